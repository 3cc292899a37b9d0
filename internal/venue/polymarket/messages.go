package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"order_orchestrator/internal/core"

	"github.com/shopspring/decimal"
)

// num decodes a decimal sent either as a JSON string or a number. Empty
// strings decode to zero.
type num decimal.Decimal

func (n *num) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = num(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	*n = num(d)
	return nil
}

func (n num) D() decimal.Decimal { return decimal.Decimal(n) }

type wireLevel struct {
	Price num `json:"price"`
	Size  num `json:"size"`
}

type wireChange struct {
	AssetID string `json:"asset_id"`
	Price   num    `json:"price"`
	Size    num    `json:"size"`
	Side    string `json:"side"`
}

type wireMarketEvent struct {
	EventType    string       `json:"event_type"`
	AssetID      string       `json:"asset_id"`
	Timestamp    string       `json:"timestamp"`
	Bids         []wireLevel  `json:"bids"`
	Asks         []wireLevel  `json:"asks"`
	Buys         []wireLevel  `json:"buys"`
	Sells        []wireLevel  `json:"sells"`
	Changes      []wireChange `json:"changes"`
	PriceChanges []wireChange `json:"price_changes"`
	NewTickSize  num          `json:"new_tick_size"`
}

type wireMakerOrder struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	MatchedAmount num    `json:"matched_amount"`
	Price         num    `json:"price"`
}

type wireUserEvent struct {
	EventType    string           `json:"event_type"`
	Type         string           `json:"type"`
	ID           string           `json:"id"`
	AssetID      string           `json:"asset_id"`
	TakerOrderID string           `json:"taker_order_id"`
	MakerOrders  []wireMakerOrder `json:"maker_orders"`
	Side         string           `json:"side"`
	Price        num              `json:"price"`
	Size         num              `json:"size"`
	SizeMatched  num              `json:"size_matched"`
	OriginalSize num              `json:"original_size"`
	Status       string           `json:"status"`
	Timestamp    string           `json:"timestamp"`
}

// splitFrame returns the objects in a frame that holds either one JSON
// object or an array of them. Keepalive replies yield nothing.
func splitFrame(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.EqualFold(trimmed, []byte("PONG")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("invalid frame: %w", err)
		}
		return items, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("unexpected frame %q", truncate(trimmed, 64))
	}
	return []json.RawMessage{trimmed}, nil
}

// DecodeMarketFrame turns a market channel frame into book messages.
// Event types the book does not use are skipped.
func DecodeMarketFrame(raw []byte) ([]core.MarketMessage, error) {
	items, err := splitFrame(raw)
	if err != nil {
		return nil, err
	}

	var out []core.MarketMessage
	for _, item := range items {
		var ev wireMarketEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			return out, fmt.Errorf("invalid market event: %w", err)
		}
		ts := parseMillis(ev.Timestamp)

		switch ev.EventType {
		case "book":
			bids, asks := ev.Bids, ev.Asks
			if len(bids) == 0 && len(asks) == 0 {
				bids, asks = ev.Buys, ev.Sells
			}
			out = append(out, core.MarketMessage{
				Kind:      core.MarketMessageBook,
				TokenID:   ev.AssetID,
				Bids:      toLevels(bids),
				Asks:      toLevels(asks),
				Timestamp: ts,
			})
		case "price_change":
			changes := ev.PriceChanges
			if len(changes) == 0 {
				changes = ev.Changes
			}
			msg := core.MarketMessage{
				Kind:      core.MarketMessagePriceChange,
				TokenID:   ev.AssetID,
				Timestamp: ts,
				Changes:   make([]core.LevelChange, 0, len(changes)),
			}
			for _, c := range changes {
				side := core.Side(strings.ToUpper(c.Side))
				if !side.Valid() {
					continue
				}
				msg.Changes = append(msg.Changes, core.LevelChange{
					TokenID: c.AssetID,
					Side:    side,
					Price:   c.Price.D(),
					Size:    c.Size.D(),
				})
			}
			out = append(out, msg)
		case "tick_size_change":
			out = append(out, core.MarketMessage{
				Kind:      core.MarketMessageTickSizeChange,
				TokenID:   ev.AssetID,
				TickSize:  ev.NewTickSize.D(),
				Timestamp: ts,
			})
		}
	}
	return out, nil
}

// DecodeUserFrame turns a user channel frame into order events. tokens
// restricts the result to trades and orders touching those instruments;
// an empty set keeps everything.
func DecodeUserFrame(raw []byte, tokens map[string]struct{}) ([]core.OrderEvent, error) {
	items, err := splitFrame(raw)
	if err != nil {
		return nil, err
	}

	var out []core.OrderEvent
	for _, item := range items {
		var ev wireUserEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			return out, fmt.Errorf("invalid user event: %w", err)
		}
		if !touches(ev, tokens) {
			continue
		}

		base := core.OrderEvent{
			TokenID:   ev.AssetID,
			Side:      core.Side(strings.ToUpper(ev.Side)),
			Price:     ev.Price.D(),
			Timestamp: parseMillis(ev.Timestamp),
		}

		switch ev.EventType {
		case "trade":
			base.Type = core.OrderEventTrade
			base.OrderID = ev.ID
			base.TakerOrderID = ev.TakerOrderID
			base.Size = ev.Size.D()
			base.TradeStatus = ev.Status
			for _, m := range ev.MakerOrders {
				base.Makers = append(base.Makers, core.MakerMatch{
					OrderID:       m.OrderID,
					MatchedAmount: m.MatchedAmount.D(),
					Price:         m.Price.D(),
				})
			}
			out = append(out, base)
		case "order":
			kind, ok := orderEventType(ev.Type)
			if !ok {
				continue
			}
			base.Type = kind
			base.OrderID = ev.ID
			base.Size = ev.OriginalSize.D()
			base.SizeMatched = ev.SizeMatched.D()
			out = append(out, base)
		}
	}
	return out, nil
}

func orderEventType(t string) (core.OrderEventType, bool) {
	switch strings.ToUpper(t) {
	case "PLACEMENT":
		return core.OrderEventPlacement, true
	case "UPDATE":
		return core.OrderEventUpdate, true
	case "CANCELLATION":
		return core.OrderEventCancellation, true
	default:
		return "", false
	}
}

// touches reports whether ev concerns one of tokens. A maker fill can be
// reported under the complementary outcome's asset id, so maker legs are
// checked too.
func touches(ev wireUserEvent, tokens map[string]struct{}) bool {
	if len(tokens) == 0 {
		return true
	}
	if _, ok := tokens[ev.AssetID]; ok {
		return true
	}
	for _, m := range ev.MakerOrders {
		if _, ok := tokens[m.AssetID]; ok {
			return true
		}
	}
	return false
}

func toLevels(in []wireLevel) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, core.PriceLevel{Price: l.Price.D(), Size: l.Size.D()})
	}
	return out
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
