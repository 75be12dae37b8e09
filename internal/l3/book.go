package l3

import (
	"sort"
	"sync"
	"time"
)

// Book holds every live resting order for one venue/symbol pair, keyed by
// order ID. Safe for concurrent use.
type Book struct {
	mu       sync.RWMutex
	venue    string
	symbol   string
	bids     map[string]Order
	asks     map[string]Order
	sequence int64
	state    State
}

// NewBook creates an uninitialized book.
func NewBook(venue, symbol string) *Book {
	return &Book{
		venue:  venue,
		symbol: symbol,
		bids:   make(map[string]Order),
		asks:   make(map[string]Order),
		state:  StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (b *Book) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Sequence returns the highest applied sequence number.
func (b *Book) Sequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sequence
}

// SetRecovering flags the book as rebuilding. Events applied while
// recovering still advance the sequence.
func (b *Book) SetRecovering() {
	b.mu.Lock()
	b.state = StateRecovering
	b.mu.Unlock()
}

// SetLive marks the book live, normally after a rebuild completes.
func (b *Book) SetLive() {
	b.mu.Lock()
	b.state = StateLive
	b.mu.Unlock()
}

// InitializeFromSnapshot replaces the book contents with a persisted
// snapshot and transitions to live.
func (b *Book) InitializeFromSnapshot(snap *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]Order, len(snap.Bids))
	b.asks = make(map[string]Order, len(snap.Asks))
	for _, e := range snap.Bids {
		b.bids[e.OrderID] = Order{
			Venue: b.venue, Symbol: b.symbol,
			OrderID: e.OrderID, Side: "bid", Price: e.Price, Size: e.Size,
		}
	}
	for _, e := range snap.Asks {
		b.asks[e.OrderID] = Order{
			Venue: b.venue, Symbol: b.symbol,
			OrderID: e.OrderID, Side: "ask", Price: e.Price, Size: e.Size,
		}
	}
	b.sequence = snap.Sequence
	b.state = StateLive
}

// ApplyEvent folds one lifecycle event into the book and reports whether it
// mutated any order. The sequence always advances to
// max(current, event sequence), even for ignored events, so replay never
// rewinds the cursor.
func (b *Book) ApplyEvent(ev Order) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateUninitialized {
		b.state = StateLive
	}
	if ev.Sequence > b.sequence {
		b.sequence = ev.Sequence
	}

	side := b.sideFor(ev.Side)
	other := b.otherFor(ev.Side)

	switch ev.EventType {
	case EventOpen:
		if _, dup := side[ev.OrderID]; dup {
			return false
		}
		if _, dup := other[ev.OrderID]; dup {
			return false
		}
		if ev.Price <= 0 || ev.Size <= 0 {
			return false
		}
		side[ev.OrderID] = ev
		return true

	case EventChange:
		cur, ok := side[ev.OrderID]
		if !ok {
			return false
		}
		if ev.Size <= 0 {
			delete(side, ev.OrderID)
			return true
		}
		cur.Size = ev.Size
		if ev.Price > 0 {
			cur.Price = ev.Price
		}
		cur.Sequence = ev.Sequence
		cur.Timestamp = ev.Timestamp
		side[ev.OrderID] = cur
		return true

	case EventDone, EventMatch:
		// Idempotent removal; done for an unknown order is a no-op.
		if _, ok := side[ev.OrderID]; ok {
			delete(side, ev.OrderID)
			return true
		}
		if _, ok := other[ev.OrderID]; ok {
			delete(other, ev.OrderID)
			return true
		}
		return false
	}
	return false
}

// OrderCount returns the number of live bid and ask orders.
func (b *Book) OrderCount() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}

// Snapshot captures current state. Entries are sorted by price (bids
// descending, asks ascending) with order ID as tiebreak, so two books with
// the same contents serialize identically.
func (b *Book) Snapshot(ts time.Time) *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &Snapshot{
		Venue:     b.venue,
		Symbol:    b.symbol,
		Sequence:  b.sequence,
		Timestamp: ts,
		Bids:      entries(b.bids),
		Asks:      entries(b.asks),
	}
	sort.Slice(snap.Bids, func(i, j int) bool {
		if snap.Bids[i].Price != snap.Bids[j].Price {
			return snap.Bids[i].Price > snap.Bids[j].Price
		}
		return snap.Bids[i].OrderID < snap.Bids[j].OrderID
	})
	sort.Slice(snap.Asks, func(i, j int) bool {
		if snap.Asks[i].Price != snap.Asks[j].Price {
			return snap.Asks[i].Price < snap.Asks[j].Price
		}
		return snap.Asks[i].OrderID < snap.Asks[j].OrderID
	})
	snap.BidCount = len(snap.Bids)
	snap.AskCount = len(snap.Asks)
	for _, e := range snap.Bids {
		snap.BidVolume += e.Size
	}
	for _, e := range snap.Asks {
		snap.AskVolume += e.Size
	}
	return snap
}

func (b *Book) sideFor(side string) map[string]Order {
	if side == "bid" {
		return b.bids
	}
	return b.asks
}

func (b *Book) otherFor(side string) map[string]Order {
	if side == "bid" {
		return b.asks
	}
	return b.bids
}

func entries(side map[string]Order) []SnapshotEntry {
	out := make([]SnapshotEntry, 0, len(side))
	for _, o := range side {
		out = append(out, SnapshotEntry{OrderID: o.OrderID, Price: o.Price, Size: o.Size})
	}
	return out
}
