package store

import (
	"context"
	"sort"
	"sync"

	"github.com/depthmap-terminal/depthmap/internal/l3"
)

type orderKey struct {
	venue, symbol, orderID string
	sequence               int64
}

// Memory is an in-process Store used in tests and when persistence is
// disabled. Semantics mirror the Postgres implementation, including
// idempotent order inserts.
type Memory struct {
	mu     sync.RWMutex
	orders map[orderKey]l3.Order
	snaps  []*l3.Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{orders: make(map[orderKey]l3.Order)}
}

func key(o l3.Order) orderKey {
	return orderKey{venue: o.Venue, symbol: o.Symbol, orderID: o.OrderID, sequence: o.Sequence}
}

// SaveOrder inserts one event; replays are no-ops.
func (m *Memory) SaveOrder(_ context.Context, o l3.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(o)
	if _, dup := m.orders[k]; !dup {
		m.orders[k] = o
	}
	return nil
}

// SaveOrdersBatch inserts a batch; duplicates inside or across batches are
// dropped silently.
func (m *Memory) SaveOrdersBatch(ctx context.Context, orders []l3.Order) error {
	for _, o := range orders {
		if err := m.SaveOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot stores a snapshot.
func (m *Memory) SaveSnapshot(_ context.Context, s *l3.Snapshot) error {
	m.mu.Lock()
	m.snaps = append(m.snaps, s)
	m.mu.Unlock()
	return nil
}

// LatestSnapshot returns the newest snapshot for the pair.
func (m *Memory) LatestSnapshot(_ context.Context, venue, symbol string) (*l3.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *l3.Snapshot
	for _, s := range m.snaps {
		if s.Venue != venue || s.Symbol != symbol {
			continue
		}
		if best == nil || s.Sequence > best.Sequence {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// LatestSnapshotBefore returns the newest snapshot with sequence <= seq.
func (m *Memory) LatestSnapshotBefore(_ context.Context, venue, symbol string, seq int64) (*l3.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *l3.Snapshot
	for _, s := range m.snaps {
		if s.Venue != venue || s.Symbol != symbol || s.Sequence > seq {
			continue
		}
		if best == nil || s.Sequence > best.Sequence {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// OrdersAfterSequence returns events with sequence > seq, ascending.
func (m *Memory) OrdersAfterSequence(_ context.Context, venue, symbol string, seq int64) ([]l3.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []l3.Order
	for _, o := range m.orders {
		if o.Venue == venue && o.Symbol == symbol && o.Sequence > seq {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

// OrdersBetween returns events in [from, to], ascending, paginated.
func (m *Memory) OrdersBetween(_ context.Context, venue, symbol string, from, to int64, limit, offset int) ([]l3.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []l3.Order
	for _, o := range m.orders {
		if o.Venue == venue && o.Symbol == symbol && o.Sequence >= from && o.Sequence <= to {
			out = append(out, o)
		}
	}
	sortOrders(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrderCount reports how many distinct events are stored.
func (m *Memory) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// Close is a no-op.
func (m *Memory) Close() {}

func sortOrders(orders []l3.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Sequence != orders[j].Sequence {
			return orders[i].Sequence < orders[j].Sequence
		}
		return orders[i].OrderID < orders[j].OrderID
	})
}
