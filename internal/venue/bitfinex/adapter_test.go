package bitfinex

import (
	"testing"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/l3"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

func newTestAdapter(t *testing.T) (*Adapter, *[]l3.Order) {
	t.Helper()
	a := New(venue.ReconnectPolicy{}, zap.NewNop())
	a.symbol = "BTC-USD"
	events := &[]l3.Order{}
	a.OnOrder(func(ev l3.Order) { *events = append(*events, ev) })
	return a, events
}

func TestNormalizeSymbol(t *testing.T) {
	a := New(venue.ReconnectPolicy{}, zap.NewNop())
	if got := a.NormalizeSymbol("BTC-USD"); got != "tBTCUSD" {
		t.Fatalf("NormalizeSymbol = %q, want tBTCUSD", got)
	}
}

func TestSnapshotEmitsOpens(t *testing.T) {
	a, events := newTestAdapter(t)

	a.handleMessage([]byte(`[17082,[[101,52000.5,1.5],[102,52001.0,-2.0]]]`))

	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*events))
	}
	bid, ask := (*events)[0], (*events)[1]
	if bid.EventType != l3.EventOpen || bid.Side != "bid" || bid.Size != 1.5 {
		t.Errorf("unexpected bid event: %+v", bid)
	}
	if ask.Side != "ask" || ask.Size != 2.0 {
		t.Errorf("negative amount must become an ask with positive size: %+v", ask)
	}
	if bid.Sequence >= ask.Sequence {
		t.Errorf("local sequence must be monotonic: %d %d", bid.Sequence, ask.Sequence)
	}
}

func TestKnownOrderBecomesChange(t *testing.T) {
	a, events := newTestAdapter(t)

	a.handleMessage([]byte(`[17082,[101,52000.5,1.5]]`))
	a.handleMessage([]byte(`[17082,[101,52000.5,0.75]]`))

	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*events))
	}
	if (*events)[0].EventType != l3.EventOpen {
		t.Errorf("first sighting must be open: %+v", (*events)[0])
	}
	if (*events)[1].EventType != l3.EventChange || (*events)[1].Size != 0.75 {
		t.Errorf("second sighting must be change: %+v", (*events)[1])
	}
}

func TestZeroPriceRemoves(t *testing.T) {
	a, events := newTestAdapter(t)

	a.handleMessage([]byte(`[17082,[101,52000.5,1.5]]`))
	a.handleMessage([]byte(`[17082,[101,0,1]]`))

	done := (*events)[1]
	if done.EventType != l3.EventDone {
		t.Fatalf("price 0 must map to done: %+v", done)
	}

	// The order is forgotten; a reappearance is a fresh open.
	a.handleMessage([]byte(`[17082,[101,52002.0,1.0]]`))
	if (*events)[2].EventType != l3.EventOpen {
		t.Errorf("reappearing order must be open: %+v", (*events)[2])
	}
}

func TestHeartbeatsAndEventsIgnored(t *testing.T) {
	a, events := newTestAdapter(t)

	a.handleMessage([]byte(`[17082,"hb"]`))
	a.handleMessage([]byte(`{"event":"info","version":2}`))
	a.handleMessage([]byte(`{"event":"subscribed","channel":"book","chanId":17082}`))

	if len(*events) != 0 {
		t.Fatalf("expected no events, got %d", len(*events))
	}
}
