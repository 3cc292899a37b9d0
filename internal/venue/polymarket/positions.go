package polymarket

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"order_orchestrator/internal/core"
	phttp "order_orchestrator/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	defaultDataAPIURL = "https://data-api.polymarket.com"
	positionsPageSize = 500
	maxPositionPages  = 20
)

// Position is one holding reported by the data API
type Position struct {
	Asset        string          `json:"asset"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentValue decimal.Decimal `json:"current_value"`
	Title        string          `json:"title"`
	Outcome      string          `json:"outcome"`
}

type wirePosition struct {
	Asset        string `json:"asset"`
	Size         num    `json:"size"`
	AvgPrice     num    `json:"avgPrice"`
	CurrentValue num    `json:"currentValue"`
	Title        string `json:"title"`
	Outcome      string `json:"outcome"`
}

// PositionCache is a read-through cache of the funder's positions. Entries
// older than the TTL are refetched on the next Get.
type PositionCache struct {
	http   *phttp.Client
	user   string
	ttl    time.Duration
	now    func() time.Time
	logger core.ILogger

	mu        sync.RWMutex
	positions map[string]Position
	fetchedAt time.Time
}

// NewPositionCache creates a cache for the positions of user (the proxy
// wallet address)
func NewPositionCache(baseURL, user string, ttl time.Duration, logger core.ILogger) *PositionCache {
	if baseURL == "" {
		baseURL = defaultDataAPIURL
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PositionCache{
		http:      phttp.NewClient(baseURL, 10*time.Second, nil),
		user:      user,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger.WithField("component", "position_cache"),
		positions: make(map[string]Position),
	}
}

// Get returns the held size of tokenID, zero when there is no position
func (p *PositionCache) Get(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	p.mu.RLock()
	fresh := !p.fetchedAt.IsZero() && p.now().Sub(p.fetchedAt) < p.ttl
	pos, ok := p.positions[tokenID]
	p.mu.RUnlock()

	if !fresh {
		if err := p.ForceRefresh(ctx); err != nil {
			return decimal.Zero, err
		}
		p.mu.RLock()
		pos, ok = p.positions[tokenID]
		p.mu.RUnlock()
	}
	if !ok {
		return decimal.Zero, nil
	}
	return pos.Size, nil
}

// Positions returns a copy of every cached position
func (p *PositionCache) Positions() []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

// ForceRefresh refetches all positions regardless of age
func (p *PositionCache) ForceRefresh(ctx context.Context) error {
	fetched := make(map[string]Position)

	for page := 0; page < maxPositionPages; page++ {
		var batch []wirePosition
		params := map[string]string{
			"user":          p.user,
			"limit":         strconv.Itoa(positionsPageSize),
			"offset":        strconv.Itoa(page * positionsPageSize),
			"sortDirection": "DESC",
		}
		if err := p.http.GetJSON(ctx, "/positions", params, &batch); err != nil {
			return fmt.Errorf("failed to fetch positions: %w", err)
		}

		for _, w := range batch {
			if !w.Size.D().IsPositive() {
				continue
			}
			fetched[w.Asset] = Position{
				Asset:        w.Asset,
				Size:         w.Size.D(),
				AvgPrice:     w.AvgPrice.D(),
				CurrentValue: w.CurrentValue.D(),
				Title:        w.Title,
				Outcome:      w.Outcome,
			}
		}
		if len(batch) < positionsPageSize {
			break
		}
	}

	p.mu.Lock()
	p.positions = fetched
	p.fetchedAt = p.now()
	p.mu.Unlock()

	p.logger.Debug("Positions refreshed", "count", len(fetched))
	return nil
}

var _ core.IPositionCache = (*PositionCache)(nil)
