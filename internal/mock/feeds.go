package mock

import (
	"context"
	"errors"
	"sync"

	"order_orchestrator/internal/core"
)

const feedQueueSize = 4096

// dispatcher delivers published values to one handler, in order, from its
// own goroutine
type dispatcher[T any] struct {
	name   string
	logger core.ILogger

	mu      sync.Mutex
	queue   chan T
	done    chan struct{}
	stopped chan struct{}
	accept  func(T) bool
}

func newDispatcher[T any](name string, logger core.ILogger) *dispatcher[T] {
	return &dispatcher[T]{name: name, logger: logger.WithField("feed", name)}
}

func (d *dispatcher[T]) start(ctx context.Context, handler func(T), accept func(T) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		return errors.New(d.name + " already started")
	}

	queue := make(chan T, feedQueueSize)
	done := make(chan struct{})
	stopped := make(chan struct{})
	d.queue, d.done, d.stopped, d.accept = queue, done, stopped, accept

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case v := <-queue:
				handler(v)
			}
		}
	}()
	return nil
}

func (d *dispatcher[T]) stop() {
	d.mu.Lock()
	done, stopped := d.done, d.stopped
	d.queue, d.done, d.stopped, d.accept = nil, nil, nil, nil
	d.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	<-stopped
}

func (d *dispatcher[T]) connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue != nil
}

// emit queues v for delivery; it is dropped when nothing is subscribed
func (d *dispatcher[T]) emit(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil || d.accept != nil && !d.accept(v) {
		return
	}
	select {
	case d.queue <- v:
	default:
		d.logger.Warn("Feed queue full, dropping message")
	}
}

func (d *dispatcher[T]) emitAll(vs []T) {
	for _, v := range vs {
		d.emit(v)
	}
}

// MarketFeed is the venue's market channel. Subscribing sends the current
// book of each token first, as the live channel does.
type MarketFeed struct {
	*dispatcher[core.MarketMessage]
	venue *Venue
}

func (f *MarketFeed) Start(ctx context.Context, tokenIDs []string, handler func(core.MarketMessage)) error {
	if err := f.start(ctx, handler, nil); err != nil {
		return err
	}
	for _, id := range tokenIDs {
		bids, asks, ok := f.venue.books.Levels(id)
		if !ok || len(bids) == 0 && len(asks) == 0 {
			continue
		}
		f.emit(core.MarketMessage{
			Kind:      core.MarketMessageBook,
			TokenID:   id,
			Bids:      bids,
			Asks:      asks,
			Timestamp: f.venue.now(),
		})
	}
	return nil
}

func (f *MarketFeed) Stop() error {
	f.stop()
	return nil
}

func (f *MarketFeed) Connected() bool { return f.connected() }

// UserFeed is the venue's user channel, filtered to the subscribed tokens
type UserFeed struct {
	*dispatcher[core.OrderEvent]
}

func (f *UserFeed) Start(ctx context.Context, tokenIDs []string, handler func(core.OrderEvent)) error {
	tokens := make(map[string]struct{}, len(tokenIDs))
	for _, id := range tokenIDs {
		tokens[id] = struct{}{}
	}
	accept := func(ev core.OrderEvent) bool {
		if len(tokens) == 0 || ev.TokenID == "" {
			return true
		}
		_, ok := tokens[ev.TokenID]
		return ok
	}
	return f.start(ctx, handler, accept)
}

func (f *UserFeed) Stop() error {
	f.stop()
	return nil
}

func (f *UserFeed) Connected() bool { return f.connected() }

var (
	_ core.IMarketFeed = (*MarketFeed)(nil)
	_ core.IUserFeed   = (*UserFeed)(nil)
)
