package book

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoSnapshot is returned when a diff arrives before any snapshot has
// seeded the book. The caller should re-fetch a snapshot and retry.
var ErrNoSnapshot = errors.New("book: diff received before snapshot")

// ErrSequenceGap is returned when an incremental update does not chain onto
// the last applied sequence. The local book can no longer be trusted.
var ErrSequenceGap = errors.New("book: sequence gap")

// DepthBook maintains one venue's L2 state from a snapshot plus incremental
// diffs. It is not safe for concurrent use; adapters own one per symbol and
// drive it from their single read loop.
type DepthBook struct {
	venue    string
	kind     VenueKind
	symbol   string
	depth    int
	bids     map[float64]float64
	asks     map[float64]float64
	sequence int64
	seeded   bool
}

// NewDepthBook creates an empty book that keeps at most depth levels per
// side. A depth of 0 means unbounded.
func NewDepthBook(venue string, kind VenueKind, symbol string, depth int) *DepthBook {
	return &DepthBook{
		venue:  venue,
		kind:   kind,
		symbol: symbol,
		depth:  depth,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// Seeded reports whether a snapshot has been applied since creation or the
// last Reset.
func (d *DepthBook) Seeded() bool { return d.seeded }

// Sequence returns the last applied sequence number.
func (d *DepthBook) Sequence() int64 { return d.sequence }

// Reset drops all state so the next snapshot starts fresh. Used after a
// detected gap or a reconnect.
func (d *DepthBook) Reset() {
	d.bids = make(map[float64]float64)
	d.asks = make(map[float64]float64)
	d.sequence = 0
	d.seeded = false
}

// ApplySnapshot replaces the book contents wholesale.
func (d *DepthBook) ApplySnapshot(bids, asks []PriceLevel, sequence int64) {
	d.bids = make(map[float64]float64, len(bids))
	d.asks = make(map[float64]float64, len(asks))
	for _, lv := range bids {
		if lv.Quantity > 0 {
			d.bids[lv.Price] = lv.Quantity
		}
	}
	for _, lv := range asks {
		if lv.Quantity > 0 {
			d.asks[lv.Price] = lv.Quantity
		}
	}
	d.sequence = sequence
	d.seeded = true
}

// ApplyDiff merges one incremental update. Zero quantity deletes the level;
// an unknown price with zero quantity is a no-op. firstSeq/lastSeq carry the
// venue's update-range identifiers when it has them (Binance U/u); pass 0,0
// for venues without sequence bridging.
func (d *DepthBook) ApplyDiff(bids, asks []PriceLevel, firstSeq, lastSeq int64) error {
	if !d.seeded {
		return ErrNoSnapshot
	}
	if lastSeq > 0 {
		if lastSeq <= d.sequence {
			return nil // already covered by the snapshot
		}
		if firstSeq > d.sequence+1 {
			return fmt.Errorf("%w: have %d, update spans [%d,%d]", ErrSequenceGap, d.sequence, firstSeq, lastSeq)
		}
	}
	for _, lv := range bids {
		if lv.Quantity <= 0 {
			delete(d.bids, lv.Price)
		} else {
			d.bids[lv.Price] = lv.Quantity
		}
	}
	for _, lv := range asks {
		if lv.Quantity <= 0 {
			delete(d.asks, lv.Price)
		} else {
			d.asks[lv.Price] = lv.Quantity
		}
	}
	if lastSeq > 0 {
		d.sequence = lastSeq
	}
	return nil
}

// Snapshot materializes the current state as a sorted, depth-pruned Book.
func (d *DepthBook) Snapshot(isSnapshot bool, ts time.Time) *Book {
	b := &Book{
		Venue:      d.venue,
		Kind:       d.kind,
		Symbol:     d.symbol,
		Bids:       flatten(d.bids),
		Asks:       flatten(d.asks),
		Sequence:   d.sequence,
		IsSnapshot: isSnapshot,
		Timestamp:  ts,
	}
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
	if d.depth > 0 {
		if len(b.Bids) > d.depth {
			b.Bids = b.Bids[:d.depth]
		}
		if len(b.Asks) > d.depth {
			b.Asks = b.Asks[:d.depth]
		}
	}
	return b
}

func flatten(side map[float64]float64) []PriceLevel {
	out := make([]PriceLevel, 0, len(side))
	for p, q := range side {
		out = append(out, PriceLevel{Price: p, Quantity: q})
	}
	return out
}
