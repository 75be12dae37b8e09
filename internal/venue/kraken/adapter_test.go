package kraken

import (
	"testing"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/book"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

func newTestAdapter() *Adapter {
	a := New(100, venue.ReconnectPolicy{}, zap.NewNop())
	a.symbol = "BTC-USD"
	a.depthBook = book.NewDepthBook(a.Name(), a.Kind(), a.symbol, a.depth)
	return a
}

func TestNormalizeSymbol(t *testing.T) {
	a := New(100, venue.ReconnectPolicy{}, zap.NewNop())
	if got := a.NormalizeSymbol("BTC-USD"); got != "XBT/USD" {
		t.Fatalf("NormalizeSymbol = %q, want XBT/USD", got)
	}
	if got := a.NormalizeSymbol("ETH-EUR"); got != "ETH/EUR" {
		t.Fatalf("NormalizeSymbol = %q, want ETH/EUR", got)
	}
}

func TestChannelSnapshotThenUpdate(t *testing.T) {
	a := newTestAdapter()
	var updates []*book.Book
	a.OnUpdate(func(b *book.Book) { updates = append(updates, b) })

	a.handleMessage([]byte(`[336,{
		"as":[["52000.1","1.5","1610000000.1"],["52001.0","2.0","1610000000.2"]],
		"bs":[["51999.9","0.5","1610000000.3"]]
	},"book-100","XBT/USD"]`))

	if len(updates) != 1 {
		t.Fatalf("expected snapshot emit, got %d updates", len(updates))
	}
	if !updates[0].IsSnapshot {
		t.Error("first emit should be a snapshot")
	}
	if len(updates[0].Asks) != 2 || updates[0].Asks[0].Price != 52000.1 {
		t.Errorf("unexpected asks: %+v", updates[0].Asks)
	}

	// Update removes the bid and adds an ask.
	a.handleMessage([]byte(`[336,{
		"a":[["52002.0","3.0","1610000001.1"]]
	},{
		"b":[["51999.9","0","1610000001.2"]]
	},"book-100","XBT/USD"]`))

	if len(updates) != 2 {
		t.Fatalf("expected update emit, got %d updates", len(updates))
	}
	b := updates[1]
	if b.IsSnapshot {
		t.Error("second emit should not be a snapshot")
	}
	if len(b.Bids) != 0 {
		t.Errorf("zero-volume bid should be deleted: %+v", b.Bids)
	}
	if len(b.Asks) != 3 {
		t.Errorf("expected 3 asks, got %+v", b.Asks)
	}
}

func TestUpdateBeforeSnapshotDropped(t *testing.T) {
	a := newTestAdapter()
	var updates int
	a.OnUpdate(func(*book.Book) { updates++ })

	a.handleMessage([]byte(`[336,{"a":[["52002.0","3.0","1610000001.1"]]},"book-100","XBT/USD"]`))

	if updates != 0 {
		t.Fatalf("update before channel snapshot must be dropped, got %d emits", updates)
	}
}

func TestEventFramesIgnored(t *testing.T) {
	a := newTestAdapter()
	var updates int
	a.OnUpdate(func(*book.Book) { updates++ })

	a.handleMessage([]byte(`{"event":"heartbeat"}`))
	a.handleMessage([]byte(`{"event":"subscriptionStatus","status":"subscribed"}`))

	if updates != 0 {
		t.Fatalf("expected no emits for event frames, got %d", updates)
	}
}
