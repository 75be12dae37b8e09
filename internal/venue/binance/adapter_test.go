package binance

import (
	"context"
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
	if got := a.NormalizeSymbol("BTC-USD"); got != "BTCUSDT" {
		t.Fatalf("NormalizeSymbol = %q, want BTCUSDT", got)
	}
	if got := a.NormalizeSymbol("eth-usd"); got != "ETHUSDT" {
		t.Fatalf("NormalizeSymbol = %q, want ETHUSDT", got)
	}
}

func TestDiffBufferedUntilSnapshot(t *testing.T) {
	a := newTestAdapter()
	var updates []*book.Book
	a.OnUpdate(func(b *book.Book) { updates = append(updates, b) })

	// Diff before the snapshot: buffered, nothing emitted.
	a.handleMessage(context.Background(), []byte(`{
		"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT",
		"U":101,"u":102,
		"b":[["100.0","1.0"]],"a":[]
	}`))
	if len(updates) != 0 {
		t.Fatalf("expected no emit before snapshot, got %d", len(updates))
	}
	if len(a.buffer) != 1 {
		t.Fatalf("expected 1 buffered diff, got %d", len(a.buffer))
	}
}

func TestDiffAppliedAfterSnapshot(t *testing.T) {
	a := newTestAdapter()
	var updates []*book.Book
	a.OnUpdate(func(b *book.Book) { updates = append(updates, b) })

	a.depthBook.ApplySnapshot(
		[]book.PriceLevel{{Price: 100, Quantity: 1}},
		[]book.PriceLevel{{Price: 101, Quantity: 1}},
		100,
	)

	// Chains onto sequence 100.
	a.handleMessage(context.Background(), []byte(`{
		"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT",
		"U":100,"u":101,
		"b":[["100.0","2.5"],["99.0","1.0"]],"a":[["101.0","0"]]
	}`))

	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	b := updates[0]
	if b.Sequence != 101 {
		t.Errorf("sequence = %d, want 101", b.Sequence)
	}
	if len(b.Bids) != 2 || b.Bids[0].Quantity != 2.5 {
		t.Errorf("unexpected bids: %+v", b.Bids)
	}
	if len(b.Asks) != 0 {
		t.Errorf("zero-qty ask should be deleted: %+v", b.Asks)
	}
}

func TestNonDepthFrameIgnored(t *testing.T) {
	a := newTestAdapter()
	var updates int
	a.OnUpdate(func(*book.Book) { updates++ })

	a.handleMessage(context.Background(), []byte(`{"result":null,"id":1}`))
	a.handleMessage(context.Background(), []byte(`not json`))

	if updates != 0 {
		t.Fatalf("expected no updates, got %d", updates)
	}
}

func TestStatusDisconnectedByDefault(t *testing.T) {
	a := New(100, venue.ReconnectPolicy{}, zap.NewNop())
	st := a.Status()
	if st.Connected {
		t.Fatal("new adapter must report disconnected")
	}
	if st.Venue != "binance" || st.Kind != book.KindCEX {
		t.Fatalf("unexpected status identity: %+v", st)
	}
}
