// Package venue defines the feed adapter contract and the supervised
// WebSocket client shared by every streaming venue.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/depthmap-terminal/depthmap/internal/book"
	"github.com/depthmap-terminal/depthmap/internal/l3"
)

// ErrNotConnected is returned by operations that require an active stream.
var ErrNotConnected = errors.New("venue: not connected")

// ErrRetriesExhausted is returned when the reconnect budget has been spent
// and the adapter has given up. The process keeps running without this feed.
var ErrRetriesExhausted = errors.New("venue: reconnect attempts exhausted")

// Status reports one adapter's health, readable at any time.
type Status struct {
	Venue      string         `json:"venue"`
	Kind       book.VenueKind `json:"kind"`
	Symbol     string         `json:"symbol"`
	Connected  bool           `json:"connected"`
	LastError  string         `json:"last_error,omitempty"`
	Reconnects int            `json:"reconnects"`
	LastUpdate time.Time      `json:"last_update"`
}

// Feed is an L2 liquidity source. Implementations deliver updates for one
// symbol at a time, in arrival order, through the registered callback.
// Connect is idempotent; calling it while connected is a no-op.
type Feed interface {
	Name() string
	Kind() book.VenueKind
	Connect(ctx context.Context, symbol string) error
	Disconnect()
	FetchSnapshot(ctx context.Context, symbol string, depth int) (*book.Book, error)
	NormalizeSymbol(symbol string) string
	OnUpdate(fn func(*book.Book))
	Status() Status
}

// L3Feed is an order-by-order liquidity source. Events for one symbol are
// delivered in arrival order through the registered callback.
type L3Feed interface {
	Name() string
	Connect(ctx context.Context, symbol string) error
	Disconnect()
	NormalizeSymbol(symbol string) string
	OnOrder(fn func(l3.Order))
	Status() Status
}
