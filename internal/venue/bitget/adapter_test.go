package bitget

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
	if got := a.NormalizeSymbol("BTC-USD"); got != "BTCUSDT" {
		t.Fatalf("NormalizeSymbol = %q, want BTCUSDT", got)
	}
}

func TestSnapshotThenUpdateActions(t *testing.T) {
	a := newTestAdapter()
	var updates []*book.Book
	a.OnUpdate(func(b *book.Book) { updates = append(updates, b) })

	a.handleMessage([]byte(`{
		"action":"snapshot",
		"arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},
		"data":[{"bids":[["52000","1.5"],["51999","2"]],"asks":[["52001","1"]],"ts":"1700000000000"}]
	}`))

	if len(updates) != 1 || !updates[0].IsSnapshot {
		t.Fatalf("expected one snapshot emit, got %+v", updates)
	}
	if updates[0].Bids[0].Price != 52000 {
		t.Errorf("bids not sorted descending: %+v", updates[0].Bids)
	}

	a.handleMessage([]byte(`{
		"action":"update",
		"arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},
		"data":[{"bids":[["51999","0"]],"asks":[["52002","4"]],"ts":"1700000001000"}]
	}`))

	if len(updates) != 2 {
		t.Fatalf("expected update emit, got %d", len(updates))
	}
	b := updates[1]
	if len(b.Bids) != 1 {
		t.Errorf("zero-qty bid should be deleted: %+v", b.Bids)
	}
	if len(b.Asks) != 2 {
		t.Errorf("expected 2 asks, got %+v", b.Asks)
	}
}

func TestUpdateBeforeSnapshotDropped(t *testing.T) {
	a := newTestAdapter()
	var updates int
	a.OnUpdate(func(*book.Book) { updates++ })

	a.handleMessage([]byte(`{
		"action":"update",
		"arg":{"instType":"SPOT","channel":"books","instId":"BTCUSDT"},
		"data":[{"bids":[["51999","1"]],"asks":[],"ts":"1700000001000"}]
	}`))

	if updates != 0 {
		t.Fatalf("update before snapshot must be dropped, got %d emits", updates)
	}
}

func TestAcksAndPongsIgnored(t *testing.T) {
	a := newTestAdapter()
	var updates int
	a.OnUpdate(func(*book.Book) { updates++ })

	a.handleMessage([]byte(`pong`))
	a.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTCUSDT"}}`))

	if updates != 0 {
		t.Fatalf("expected no emits, got %d", updates)
	}
}
