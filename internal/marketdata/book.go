// Package marketdata maintains per-instrument order books from the market
// feed and republishes the top of book
package marketdata

import (
	"order_orchestrator/internal/core"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

const btreeDegree = 8

func byPrice(a, b core.PriceLevel) bool {
	return a.Price.LessThan(b.Price)
}

// Book holds both sides of one instrument keyed by price. A level with
// zero size is never stored.
type Book struct {
	TokenID string
	bids    *btree.BTreeG[core.PriceLevel]
	asks    *btree.BTreeG[core.PriceLevel]
}

// NewBook creates an empty book
func NewBook(tokenID string) *Book {
	return &Book{
		TokenID: tokenID,
		bids:    btree.NewG(btreeDegree, byPrice),
		asks:    btree.NewG(btreeDegree, byPrice),
	}
}

// Replace swaps both sides for a full snapshot
func (b *Book) Replace(bids, asks []core.PriceLevel) {
	b.bids.Clear(false)
	b.asks.Clear(false)
	for _, l := range bids {
		setLevel(b.bids, l.Price, l.Size)
	}
	for _, l := range asks {
		setLevel(b.asks, l.Price, l.Size)
	}
}

// Apply sets the size of one level. Zero or negative size removes it.
func (b *Book) Apply(side core.Side, price, size decimal.Decimal) {
	if side == core.SideBuy {
		setLevel(b.bids, price, size)
		return
	}
	setLevel(b.asks, price, size)
}

func setLevel(tree *btree.BTreeG[core.PriceLevel], price, size decimal.Decimal) {
	if !size.IsPositive() {
		tree.Delete(core.PriceLevel{Price: price})
		return
	}
	tree.ReplaceOrInsert(core.PriceLevel{Price: price, Size: size})
}

// BestBid returns the highest bid
func (b *Book) BestBid() (core.PriceLevel, bool) {
	return b.bids.Max()
}

// BestAsk returns the lowest ask
func (b *Book) BestAsk() (core.PriceLevel, bool) {
	return b.asks.Min()
}

// Bids returns the bid side worst to best (ascending price)
func (b *Book) Bids() []core.PriceLevel {
	out := make([]core.PriceLevel, 0, b.bids.Len())
	b.bids.Ascend(func(l core.PriceLevel) bool {
		out = append(out, l)
		return true
	})
	return out
}

// Asks returns the ask side worst to best (descending price)
func (b *Book) Asks() []core.PriceLevel {
	out := make([]core.PriceLevel, 0, b.asks.Len())
	b.asks.Descend(func(l core.PriceLevel) bool {
		out = append(out, l)
		return true
	})
	return out
}

// TwoSided reports whether both sides have at least one level
func (b *Book) TwoSided() bool {
	return b.bids.Len() > 0 && b.asks.Len() > 0
}

// Depth returns the number of levels per side
func (b *Book) Depth() (int, int) {
	return b.bids.Len(), b.asks.Len()
}
