package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depthmap-terminal/depthmap/internal/l3"
)

func order(id string, seq int64) l3.Order {
	return l3.Order{
		Venue:     "coinbase",
		Symbol:    "BTC-USD",
		OrderID:   id,
		Sequence:  seq,
		Side:      "bid",
		Price:     64000,
		Size:      1,
		EventType: l3.EventOpen,
		Timestamp: time.UnixMilli(seq),
	}
}

func snapshot(seq int64) *l3.Snapshot {
	return &l3.Snapshot{Venue: "coinbase", Symbol: "BTC-USD", Sequence: seq}
}

func TestMemoryIdempotentInserts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveOrder(ctx, order("a", 1)))
	require.NoError(t, m.SaveOrder(ctx, order("a", 1)))
	require.NoError(t, m.SaveOrdersBatch(ctx, []l3.Order{order("a", 1), order("b", 2)}))

	assert.Equal(t, 2, m.OrderCount(), "replays must not create duplicates")
}

func TestMemoryLatestSnapshotBefore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveSnapshot(ctx, snapshot(100)))
	require.NoError(t, m.SaveSnapshot(ctx, snapshot(250)))
	require.NoError(t, m.SaveSnapshot(ctx, snapshot(400)))

	s, err := m.LatestSnapshotBefore(ctx, "coinbase", "BTC-USD", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(250), s.Sequence)

	s, err = m.LatestSnapshot(ctx, "coinbase", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(400), s.Sequence)

	_, err = m.LatestSnapshotBefore(ctx, "coinbase", "BTC-USD", 50)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.LatestSnapshot(ctx, "bitfinex", "BTC-USD")
	assert.ErrorIs(t, err, ErrNotFound, "other venues must not bleed through")
}

func TestMemoryOrdersAfterSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Insert out of order; reads come back sequence-ascending.
	require.NoError(t, m.SaveOrder(ctx, order("c", 30)))
	require.NoError(t, m.SaveOrder(ctx, order("a", 10)))
	require.NoError(t, m.SaveOrder(ctx, order("b", 20)))

	got, err := m.OrdersAfterSequence(ctx, "coinbase", "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].OrderID)
	assert.Equal(t, "c", got[1].OrderID)
}

func TestMemoryOrdersBetweenPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, m.SaveOrder(ctx, order("o", i)))
	}

	page, err := m.OrdersBetween(ctx, "coinbase", "BTC-USD", 1, 10, 4, 0)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, int64(1), page[0].Sequence)

	page, err = m.OrdersBetween(ctx, "coinbase", "BTC-USD", 1, 10, 4, 8)
	require.NoError(t, err)
	require.Len(t, page, 2, "last page is short")
	assert.Equal(t, int64(9), page[0].Sequence)

	page, err = m.OrdersBetween(ctx, "coinbase", "BTC-USD", 1, 10, 4, 50)
	require.NoError(t, err)
	assert.Empty(t, page, "offset past the end returns nothing")
}
