package l3stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/broadcast"
	"github.com/depthmap-terminal/depthmap/internal/l3"
	"github.com/depthmap-terminal/depthmap/internal/store"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

// fakeL3Feed is a scriptable venue.L3Feed.
type fakeL3Feed struct {
	name        string
	onOrder     func(l3.Order)
	connects    int
	disconnects int
}

func (f *fakeL3Feed) Name() string                    { return f.name }
func (f *fakeL3Feed) Disconnect()                     { f.disconnects++ }
func (f *fakeL3Feed) NormalizeSymbol(s string) string { return s }
func (f *fakeL3Feed) OnOrder(fn func(l3.Order))       { f.onOrder = fn }
func (f *fakeL3Feed) Status() venue.Status            { return venue.Status{Venue: f.name} }

func (f *fakeL3Feed) Connect(ctx context.Context, symbol string) error {
	f.connects++
	return nil
}

func (f *fakeL3Feed) emit(ev l3.Order) {
	ev.Venue = f.name
	ev.Symbol = "BTC-USD"
	f.onOrder(ev)
}

func open(id string, seq int64, side string, price, size float64) l3.Order {
	return l3.Order{
		OrderID: id, Sequence: seq, Side: side,
		Price: price, Size: size, EventType: l3.EventOpen,
		Timestamp: time.UnixMilli(seq),
	}
}

func done(id string, seq int64, side string) l3.Order {
	return l3.Order{OrderID: id, Sequence: seq, Side: side, EventType: l3.EventDone}
}

func newManager(t *testing.T, cfg Config) (*Manager, *store.Memory, *fakeL3Feed) {
	t.Helper()
	mem := store.NewMemory()
	m := NewManager(cfg, mem, broadcast.NewHub(zap.NewNop()), zap.NewNop())
	feed := &fakeL3Feed{name: "coinbase"}
	return m, mem, feed
}

func TestEventsFoldIntoBook(t *testing.T) {
	m, _, feed := newManager(t, Config{})
	m.StartStream(context.Background(), "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	feed.emit(open("a", 1, "bid", 64000, 1))
	feed.emit(open("b", 2, "ask", 64010, 2))
	feed.emit(done("a", 3, "bid"))

	b, ok := m.Book("coinbase", "BTC-USD")
	require.True(t, ok)
	bids, asks := b.OrderCount()
	assert.Equal(t, 0, bids)
	assert.Equal(t, 1, asks)
	assert.Equal(t, int64(3), b.Sequence())

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, int64(3), status[0].OrdersReceived)
	assert.Equal(t, l3.StateLive, status[0].State)
}

func TestStartStreamIdempotent(t *testing.T) {
	m, _, feed := newManager(t, Config{})
	ctx := context.Background()
	m.StartStream(ctx, "BTC-USD", []venue.L3Feed{feed})
	m.StartStream(ctx, "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	assert.Equal(t, 1, feed.connects, "second start must be a no-op")
	assert.Len(t, m.Status(), 1)
}

func TestFlushOnBatchThreshold(t *testing.T) {
	m, mem, feed := newManager(t, Config{
		PersistEnabled: true,
		FlushInterval:  time.Hour, // only the threshold can trigger
		FlushBatchSize: 5,
	})
	m.StartStream(context.Background(), "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	for i := int64(1); i <= 5; i++ {
		feed.emit(open("o", i, "bid", 64000, 1))
	}

	assert.Eventually(t, func() bool { return mem.OrderCount() == 5 },
		time.Second, 10*time.Millisecond, "hitting the batch size must flush without waiting for the timer")
}

func TestFlushOnTimer(t *testing.T) {
	m, mem, feed := newManager(t, Config{
		PersistEnabled: true,
		FlushInterval:  20 * time.Millisecond,
	})
	m.StartStream(context.Background(), "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	feed.emit(open("a", 1, "bid", 64000, 1))
	feed.emit(open("b", 2, "ask", 64010, 1))

	assert.Eventually(t, func() bool { return mem.OrderCount() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestStopFlushesBuffer(t *testing.T) {
	m, mem, feed := newManager(t, Config{
		PersistEnabled: true,
		FlushInterval:  time.Hour,
	})
	m.StartStream(context.Background(), "BTC-USD", []venue.L3Feed{feed})

	feed.emit(open("a", 1, "bid", 64000, 1))
	feed.emit(open("b", 2, "bid", 63990, 1))

	m.StopStream("coinbase", "BTC-USD")

	assert.Equal(t, 2, mem.OrderCount())
	assert.Equal(t, 1, feed.disconnects)
}

func TestRebuildFromSequence(t *testing.T) {
	ctx := context.Background()
	m, mem, feed := newManager(t, Config{PersistEnabled: true, FlushInterval: time.Hour})
	m.StartStream(ctx, "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	// Persisted history: snapshot at 100 with two bids, then one of them
	// cancelled at 101.
	require.NoError(t, mem.SaveSnapshot(ctx, &l3.Snapshot{
		Venue: "coinbase", Symbol: "BTC-USD", Sequence: 100,
		Bids: []l3.SnapshotEntry{
			{OrderID: "a", Price: 64000, Size: 1},
			{OrderID: "b", Price: 63990, Size: 2},
		},
	}))
	ev := done("a", 101, "bid")
	ev.Venue, ev.Symbol = "coinbase", "BTC-USD"
	require.NoError(t, mem.SaveOrder(ctx, ev))

	require.NoError(t, m.RebuildFromSequence(ctx, "coinbase", "BTC-USD", 150))

	b, ok := m.Book("coinbase", "BTC-USD")
	require.True(t, ok)
	bids, asks := b.OrderCount()
	assert.Equal(t, 1, bids, "order a was cancelled during replay")
	assert.Equal(t, 0, asks)
	assert.Equal(t, int64(101), b.Sequence())
	assert.Equal(t, l3.StateLive, b.State())
}

func TestRebuildReplaysEventsBetweenSnapshotAndCursor(t *testing.T) {
	ctx := context.Background()
	m, mem, feed := newManager(t, Config{PersistEnabled: true, FlushInterval: time.Hour})
	m.StartStream(ctx, "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	require.NoError(t, mem.SaveSnapshot(ctx, &l3.Snapshot{
		Venue: "coinbase", Symbol: "BTC-USD", Sequence: 100,
	}))
	// An open at 120 sits between the snapshot and the requested cursor; it
	// is not in the snapshot and must come back through replay.
	ev := open("a", 120, "ask", 64010, 1)
	ev.Venue, ev.Symbol = "coinbase", "BTC-USD"
	require.NoError(t, mem.SaveOrder(ctx, ev))

	require.NoError(t, m.RebuildFromSequence(ctx, "coinbase", "BTC-USD", 150))

	b, ok := m.Book("coinbase", "BTC-USD")
	require.True(t, ok)
	_, asks := b.OrderCount()
	assert.Equal(t, 1, asks)
	assert.Equal(t, int64(120), b.Sequence())
}

func TestRebuildWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _, feed := newManager(t, Config{PersistEnabled: true})
	m.StartStream(ctx, "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	err := m.RebuildFromSequence(ctx, "coinbase", "BTC-USD", 50)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRebuildUnknownStream(t *testing.T) {
	m, _, _ := newManager(t, Config{})
	err := m.RebuildFromSequence(context.Background(), "nowhere", "BTC-USD", 1)
	assert.Error(t, err)
}

func TestGapTriggersRebuild(t *testing.T) {
	ctx := context.Background()
	m, mem, feed := newManager(t, Config{PersistEnabled: true, FlushInterval: time.Hour})
	m.StartStream(ctx, "BTC-USD", []venue.L3Feed{feed})
	defer m.Stop()

	require.NoError(t, mem.SaveSnapshot(ctx, &l3.Snapshot{
		Venue: "coinbase", Symbol: "BTC-USD", Sequence: 2,
		Bids: []l3.SnapshotEntry{{OrderID: "a", Price: 64000, Size: 1}},
	}))

	feed.emit(open("a", 1, "bid", 64000, 1))
	feed.emit(open("b", 2, "ask", 64010, 1))
	// Jump from 2 to 10: gap, rebuild from the persisted snapshot.
	feed.emit(open("c", 10, "ask", 64020, 1))

	b, ok := m.Book("coinbase", "BTC-USD")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return b.State() == l3.StateLive },
		time.Second, 10*time.Millisecond, "book must return to live after the rebuild")
	bids, _ := b.OrderCount()
	assert.GreaterOrEqual(t, bids, 1, "snapshot contents must survive the rebuild")
}
