// Package store persists L3 order events and book snapshots, and caches
// live best bid/ask in Redis.
package store

import (
	"context"
	"errors"

	"github.com/depthmap-terminal/depthmap/internal/l3"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence gateway for L3 data. Implementations must make
// order inserts idempotent on (venue, symbol, order_id, sequence): replaying
// a batch after a crash writes no duplicates.
type Store interface {
	SaveOrder(ctx context.Context, o l3.Order) error
	SaveOrdersBatch(ctx context.Context, orders []l3.Order) error
	SaveSnapshot(ctx context.Context, s *l3.Snapshot) error

	// LatestSnapshot returns the newest snapshot for the pair, or
	// ErrNotFound.
	LatestSnapshot(ctx context.Context, venue, symbol string) (*l3.Snapshot, error)

	// LatestSnapshotBefore returns the newest snapshot with sequence <= seq,
	// or ErrNotFound.
	LatestSnapshotBefore(ctx context.Context, venue, symbol string, seq int64) (*l3.Snapshot, error)

	// OrdersAfterSequence returns events with sequence > seq, ascending.
	OrdersAfterSequence(ctx context.Context, venue, symbol string, seq int64) ([]l3.Order, error)

	// OrdersBetween returns events in [from, to], ascending, paginated.
	OrdersBetween(ctx context.Context, venue, symbol string, from, to int64, limit, offset int) ([]l3.Order, error)

	Close()
}
