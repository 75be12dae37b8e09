// Package l3 reconstructs full order-by-order depth from venue lifecycle
// events (open, change, done, match) and produces compact snapshots for
// persistence and recovery.
//
// A match removes the resting order entirely rather than decrementing it by
// the fill size. Venues that report partial fills follow the match with a
// change event carrying the remaining size, so the book converges; purely
// match-driven feeds overstate removals between changes. Known limitation.
package l3

import "time"

// EventType classifies an order lifecycle message.
type EventType string

const (
	EventOpen   EventType = "open"
	EventChange EventType = "change"
	EventDone   EventType = "done"
	EventMatch  EventType = "match"
)

// State of an event-sourced book.
type State string

const (
	// StateUninitialized means no snapshot has been loaded yet.
	StateUninitialized State = "uninitialized"
	// StateLive means events are being applied in order.
	StateLive State = "live"
	// StateRecovering means a sequence gap was detected and the book is
	// being rebuilt from persisted state.
	StateRecovering State = "recovering"
)

// Order is one lifecycle event for a single resting order.
type Order struct {
	Venue     string            `json:"venue"`
	Symbol    string            `json:"symbol"`
	OrderID   string            `json:"order_id"`
	Sequence  int64             `json:"sequence,omitempty"`
	Side      string            `json:"side"` // "bid" or "ask"
	Price     float64           `json:"price"`
	Size      float64           `json:"size"`
	EventType EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SnapshotEntry is one resting order inside a persisted snapshot.
type SnapshotEntry struct {
	OrderID string  `json:"order_id"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
}

// Snapshot is a point-in-time capture of a book, compact enough to persist
// every minute and replay events on top of.
type Snapshot struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Bids      []SnapshotEntry `json:"bids"`
	Asks      []SnapshotEntry `json:"asks"`
	BidCount  int             `json:"bid_count"`
	AskCount  int             `json:"ask_count"`
	BidVolume float64         `json:"bid_volume"`
	AskVolume float64         `json:"ask_volume"`
}
