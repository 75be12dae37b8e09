package uniswap

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/book"
)

func TestTickToPrice(t *testing.T) {
	if got := tickToPrice(0); got != 1 {
		t.Fatalf("tickToPrice(0) = %v, want 1", got)
	}
	if got := tickToPrice(1); math.Abs(got-1.0001) > 1e-9 {
		t.Fatalf("tickToPrice(1) = %v, want 1.0001", got)
	}
	// Negative ticks invert.
	if got := tickToPrice(-1); math.Abs(got*1.0001-1) > 1e-9 {
		t.Fatalf("tickToPrice(-1) = %v", got)
	}
}

func TestSqrtPriceToPrice(t *testing.T) {
	// sqrtPriceX96 = 2^96 encodes price 1.
	got := sqrtPriceToPrice("79228162514264337593543950336")
	if math.Abs(got-1) > 1e-9 {
		t.Fatalf("sqrtPriceToPrice(2^96) = %v, want 1", got)
	}
	if sqrtPriceToPrice("0") != 0 {
		t.Fatal("zero sqrt price must map to 0")
	}
	if sqrtPriceToPrice("garbage") != 0 {
		t.Fatal("unparseable sqrt price must map to 0")
	}
}

func TestTicksSplitAtPoolPrice(t *testing.T) {
	current := tickToPrice(10)
	ticks := []graphTick{
		{TickIdx: "5", LiquidityGross: "100"},   // fully below: bid
		{TickIdx: "20", LiquidityGross: "200"},  // fully above: ask
		{TickIdx: "10", LiquidityGross: "300"},  // starts at the pool price: ask
		{TickIdx: "15", LiquidityGross: "0"},    // uninitialized, skipped
		{TickIdx: "bad", LiquidityGross: "100"}, // unparseable, skipped
	}

	bids, asks := ticksToLevels(ticks, current)
	if len(bids) != 1 {
		t.Fatalf("expected 1 bid, got %+v", bids)
	}
	if bids[0].Quantity != 100 {
		t.Errorf("bid quantity = %v, want 100", bids[0].Quantity)
	}
	if len(asks) != 2 {
		t.Fatalf("expected 2 asks, got %+v", asks)
	}
}

func TestFetchSnapshotFromGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{})
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Query, "pool(") {
			body = []byte(`{"data":{"pool":{
				"token0":{"symbol":"USDC","decimals":"6"},
				"token1":{"symbol":"WETH","decimals":"18"},
				"sqrtPrice":"79228162514264337593543950336",
				"tick":"0"
			}}}`)
		} else {
			body = []byte(`{"data":{"ticks":[
				{"tickIdx":"-100","liquidityGross":"500","liquidityNet":"500"},
				{"tickIdx":"100","liquidityGross":"700","liquidityNet":"-500"}
			]}}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	a := New(50, time.Second, zap.NewNop())
	a.graphURL = srv.URL

	b, err := a.FetchSnapshot(context.Background(), "0xPOOL", 50)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if !b.IsSnapshot || b.Kind != book.KindDEX {
		t.Fatalf("unexpected book identity: %+v", b)
	}
	if len(b.Bids) != 1 || len(b.Asks) != 1 {
		t.Fatalf("expected 1 bid + 1 ask, got %d/%d", len(b.Bids), len(b.Asks))
	}
	if b.Bids[0].Quantity != 500 || b.Asks[0].Quantity != 700 {
		t.Errorf("unexpected quantities: %+v %+v", b.Bids, b.Asks)
	}
}

func TestConcentration(t *testing.T) {
	b := &book.Book{
		Bids: []book.PriceLevel{{Price: 99, Quantity: 10}, {Price: 50, Quantity: 10}},
		Asks: []book.PriceLevel{{Price: 101, Quantity: 10}, {Price: 200, Quantity: 10}},
	}
	// Mid = 100; ±5% keeps 99 and 101 only.
	got := Concentration(b, 5)
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("Concentration = %v, want 0.5", got)
	}
	if Concentration(&book.Book{}, 5) != 0 {
		t.Fatal("empty book concentration must be 0")
	}
}
