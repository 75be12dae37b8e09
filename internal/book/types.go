// Package book defines the canonical L2 order book model shared by every
// venue adapter and the cross-venue aggregator.
package book

import (
	"sort"
	"time"
)

// VenueKind distinguishes centralized exchanges from on-chain pools.
type VenueKind string

const (
	KindCEX VenueKind = "cex"
	KindDEX VenueKind = "dex"
)

// Side of the book an order or level belongs to.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// PriceLevel is one aggregated price point. Quantity is always positive in a
// published book; zero-quantity levels are removed before publication.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Book is a normalized L2 snapshot of one venue's market. Bids are sorted
// descending, asks ascending, and each price appears at most once per side.
type Book struct {
	Venue      string       `json:"venue"`
	Kind       VenueKind    `json:"kind"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Sequence   int64        `json:"sequence,omitempty"`
	IsSnapshot bool         `json:"is_snapshot"`
	Timestamp  time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, or false when the side is empty.
func (b *Book) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the side is empty.
func (b *Book) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Spread returns best ask minus best bid, or false when either side is empty.
func (b *Book) Spread() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// MidPrice returns the midpoint of the best bid and ask, or false when
// either side is empty.
func (b *Book) MidPrice() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// TotalVolume returns the summed bid and ask quantities.
func (b *Book) TotalVolume() (bidVol, askVol float64) {
	for _, lv := range b.Bids {
		bidVol += lv.Quantity
	}
	for _, lv := range b.Asks {
		askVol += lv.Quantity
	}
	return bidVol, askVol
}

// Clone returns a deep copy so consumers can hold the book across ticks
// without racing the producer.
func (b *Book) Clone() *Book {
	cp := *b
	cp.Bids = append([]PriceLevel(nil), b.Bids...)
	cp.Asks = append([]PriceLevel(nil), b.Asks...)
	return &cp
}

// SortLevels orders bids descending and asks ascending in place.
func SortLevels(bids, asks []PriceLevel) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
}
