// Package uniswap synthesizes an L2 book from a Uniswap v3 pool. There is
// no websocket; pool state and liquidity ticks are polled from The Graph and
// converted to price levels. Each tick [1.0001^i, 1.0001^(i+1)) becomes one
// level at its midpoint: ticks entirely below the pool price are bids, ticks
// above are asks, and a tick straddling the price goes to the nearer side.
package uniswap

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/book"
	"github.com/depthmap-terminal/depthmap/internal/metrics"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

const subgraphURL = "https://api.thegraph.com/subgraphs/name/uniswap/uniswap-v3"

const poolQuery = `query($poolAddress: String!) {
  pool(id: $poolAddress) {
    id
    token0 { symbol decimals }
    token1 { symbol decimals }
    sqrtPrice
    liquidity
    tick
  }
}`

const ticksQuery = `query($poolAddress: String!, $skip: Int!) {
  ticks(first: 1000, skip: $skip, where: { poolAddress: $poolAddress }, orderBy: tickIdx) {
    tickIdx
    liquidityGross
    liquidityNet
  }
}`

// Adapter polls one Uniswap v3 pool. The symbol passed to Connect and
// FetchSnapshot is the pool contract address.
type Adapter struct {
	log          *zap.Logger
	depth        int
	pollInterval time.Duration

	mu        sync.Mutex
	symbol    string
	connected bool
	lastErr   error
	lastSeen  time.Time
	cancel    context.CancelFunc

	cbMu     sync.RWMutex
	onUpdate func(*book.Book)

	graphURL string
}

// New creates a disconnected adapter keeping depth levels per side and
// polling every pollInterval.
func New(depth int, pollInterval time.Duration, log *zap.Logger) *Adapter {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Adapter{
		log:          log,
		depth:        depth,
		pollInterval: pollInterval,
		graphURL:     subgraphURL,
	}
}

func (a *Adapter) Name() string         { return "uniswap_v3" }
func (a *Adapter) Kind() book.VenueKind { return book.KindDEX }

// NormalizeSymbol lowercases the pool address, the form The Graph indexes.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	return strings.ToLower(symbol)
}

// OnUpdate registers the single update callback.
func (a *Adapter) OnUpdate(fn func(*book.Book)) {
	a.cbMu.Lock()
	a.onUpdate = fn
	a.cbMu.Unlock()
}

// Status reports current polling health.
func (a *Adapter) Status() venue.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := venue.Status{
		Venue:      a.Name(),
		Kind:       a.Kind(),
		Symbol:     a.symbol,
		Connected:  a.connected,
		LastUpdate: a.lastSeen,
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}

// Connect starts the polling loop. Calling it while connected is a no-op.
func (a *Adapter) Connect(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.symbol = symbol
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	go a.pollLoop(pollCtx, symbol)
	return nil
}

// Disconnect stops polling. Safe to call when already disconnected.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (a *Adapter) pollLoop(ctx context.Context, symbol string) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	a.pollOnce(ctx, symbol)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx, symbol)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context, symbol string) {
	b, err := a.FetchSnapshot(ctx, symbol, a.depth)
	if err != nil {
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		a.log.Warn("pool poll failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.lastErr = nil
	a.lastSeen = time.Now().UTC()
	a.mu.Unlock()

	metrics.BookUpdatesTotal.WithLabelValues(a.Name()).Inc()

	a.cbMu.RLock()
	fn := a.onUpdate
	a.cbMu.RUnlock()
	if fn != nil {
		fn(b)
	}
}

type graphPool struct {
	Token0 struct {
		Symbol   string `json:"symbol"`
		Decimals string `json:"decimals"`
	} `json:"token0"`
	Token1 struct {
		Symbol   string `json:"symbol"`
		Decimals string `json:"decimals"`
	} `json:"token1"`
	SqrtPrice string `json:"sqrtPrice"`
	Tick      string `json:"tick"`
}

type graphTick struct {
	TickIdx        string `json:"tickIdx"`
	LiquidityGross string `json:"liquidityGross"`
	LiquidityNet   string `json:"liquidityNet"`
}

// FetchSnapshot queries pool state plus liquidity ticks and converts them to
// a book. Every poll is a full snapshot.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*book.Book, error) {
	pool, err := a.fetchPool(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ticks, err := a.fetchTicks(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("uniswap: pool %s has no liquidity ticks", symbol)
	}

	currentPrice := sqrtPriceToPrice(pool.SqrtPrice)
	bids, asks := ticksToLevels(ticks, currentPrice)
	book.SortLevels(bids, asks)
	if depth <= 0 {
		depth = a.depth
	}
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}

	return &book.Book{
		Venue:      a.Name(),
		Kind:       a.Kind(),
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
		IsSnapshot: true,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (a *Adapter) fetchPool(ctx context.Context, symbol string) (*graphPool, error) {
	req := map[string]any{
		"query":     poolQuery,
		"variables": map[string]any{"poolAddress": a.NormalizeSymbol(symbol)},
	}
	var resp struct {
		Data struct {
			Pool *graphPool `json:"pool"`
		} `json:"data"`
	}
	if err := venue.PostJSON(ctx, a.graphURL, req, &resp); err != nil {
		return nil, fmt.Errorf("uniswap: pool query: %w", err)
	}
	if resp.Data.Pool == nil {
		return nil, fmt.Errorf("uniswap: pool not found: %s", symbol)
	}
	return resp.Data.Pool, nil
}

// fetchTicks pages through the tick set 1000 rows at a time.
func (a *Adapter) fetchTicks(ctx context.Context, symbol string) ([]graphTick, error) {
	var all []graphTick
	for skip := 0; ; skip += 1000 {
		req := map[string]any{
			"query": ticksQuery,
			"variables": map[string]any{
				"poolAddress": a.NormalizeSymbol(symbol),
				"skip":        skip,
			},
		}
		var resp struct {
			Data struct {
				Ticks []graphTick `json:"ticks"`
			} `json:"data"`
		}
		if err := venue.PostJSON(ctx, a.graphURL, req, &resp); err != nil {
			return nil, fmt.Errorf("uniswap: ticks query: %w", err)
		}
		all = append(all, resp.Data.Ticks...)
		if len(resp.Data.Ticks) < 1000 {
			return all, nil
		}
	}
}

// ticksToLevels assigns each initialized tick to a side of the book.
func ticksToLevels(ticks []graphTick, currentPrice float64) (bids, asks []book.PriceLevel) {
	for _, t := range ticks {
		idx, err := strconv.Atoi(t.TickIdx)
		if err != nil {
			continue
		}
		liquidity, err := strconv.ParseFloat(t.LiquidityGross, 64)
		if err != nil || liquidity == 0 {
			continue
		}

		lower := tickToPrice(idx)
		upper := tickToPrice(idx + 1)
		level := book.PriceLevel{Price: (lower + upper) / 2, Quantity: liquidity}

		switch {
		case upper <= currentPrice:
			bids = append(bids, level)
		case lower >= currentPrice:
			asks = append(asks, level)
		default:
			// Straddles the pool price: assign to the nearer side.
			if level.Price < currentPrice {
				bids = append(bids, level)
			} else {
				asks = append(asks, level)
			}
		}
	}
	return bids, asks
}

// tickToPrice applies the Uniswap v3 rule price = 1.0001^tick.
func tickToPrice(tick int) float64 {
	return math.Pow(1.0001, float64(tick))
}

// sqrtPriceToPrice converts the pool's Q64.96 sqrt price:
// price = (sqrtPriceX96 / 2^96)^2.
func sqrtPriceToPrice(sqrtPrice string) float64 {
	v, err := strconv.ParseFloat(sqrtPrice, 64)
	if err != nil || v == 0 {
		return 0
	}
	q96 := math.Pow(2, 96)
	sq := v / q96
	return sq * sq
}

// Concentration reports the share of total book volume resting within
// ±pct of the mid price. Used to gauge how tightly pool liquidity hugs the
// current price.
func Concentration(b *book.Book, pct float64) float64 {
	mid, ok := b.MidPrice()
	if !ok || pct <= 0 {
		return 0
	}
	lo, hi := mid*(1-pct/100), mid*(1+pct/100)

	var total, within float64
	for _, side := range [][]book.PriceLevel{b.Bids, b.Asks} {
		for _, lv := range side {
			total += lv.Quantity
			if lv.Price >= lo && lv.Price <= hi {
				within += lv.Quantity
			}
		}
	}
	if total == 0 {
		return 0
	}
	return within / total
}
