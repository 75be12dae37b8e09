// Package bitfinex streams order-by-order depth from Bitfinex's R0 raw
// books. R0 frames carry [orderID, price, amount]: a positive amount is a
// bid, a negative amount an ask, and price 0 removes the order. The feed has
// no sequence numbers, so the adapter stamps events with a local counter;
// it restarts from the channel snapshot after a reconnect.
package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/l3"
	"github.com/depthmap-terminal/depthmap/internal/metrics"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

const (
	restURL   = "https://api-pub.bitfinex.com/v2"
	streamURL = "wss://api-pub.bitfinex.com/ws/2"
)

// Adapter is the Bitfinex L3 feed.
type Adapter struct {
	log    *zap.Logger
	policy venue.ReconnectPolicy

	mu          sync.Mutex
	ws          *venue.WSClient
	symbol      string
	connected   bool
	lastErr     error
	lastSeen    time.Time
	cancel      context.CancelFunc
	sequence    int64
	seen        map[string]struct{}
	snapshotted bool

	cbMu    sync.RWMutex
	onOrder func(l3.Order)

	restBase string
	wsBase   string
}

// New creates a disconnected adapter. policy overrides the default
// reconnect tuning where its fields are set.
func New(policy venue.ReconnectPolicy, log *zap.Logger) *Adapter {
	return &Adapter{
		log:      log,
		policy:   policy,
		seen:     make(map[string]struct{}),
		restBase: restURL,
		wsBase:   streamURL,
	}
}

func (a *Adapter) Name() string { return "bitfinex" }

// NormalizeSymbol maps "BTC-USD" to Bitfinex's "tBTCUSD" trading pair.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	base, quote, _ := strings.Cut(strings.ToUpper(symbol), "-")
	if quote == "" {
		quote = "USD"
	}
	return "t" + base + quote
}

// OnOrder registers the single order event callback.
func (a *Adapter) OnOrder(fn func(l3.Order)) {
	a.cbMu.Lock()
	a.onOrder = fn
	a.cbMu.Unlock()
}

// Status reports current connection health.
func (a *Adapter) Status() venue.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := venue.Status{
		Venue:      a.Name(),
		Kind:       "cex",
		Symbol:     a.symbol,
		Connected:  a.connected,
		LastUpdate: a.lastSeen,
	}
	if a.ws != nil {
		st.Reconnects = a.ws.Attempts()
		if a.ws.Exhausted() {
			st.Connected = false
			st.LastError = venue.ErrRetriesExhausted.Error()
		}
	}
	if a.lastErr != nil && st.LastError == "" {
		st.LastError = a.lastErr.Error()
	}
	return st
}

// Connect subscribes to the R0 book channel. Calling it while connected is
// a no-op.
func (a *Adapter) Connect(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.symbol = symbol
	a.sequence = 0
	a.seen = make(map[string]struct{})
	a.snapshotted = false
	a.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	ws := venue.NewWSClient(a.Name(), a.policy.Apply(venue.DefaultWSConfig(a.wsBase)), a.log)
	ws.SetReconnectHook(func() {
		a.mu.Lock()
		a.seen = make(map[string]struct{})
		a.snapshotted = false
		a.mu.Unlock()
		a.subscribe(ws, symbol)
	})

	if err := ws.Connect(streamCtx); err != nil {
		cancel()
		return fmt.Errorf("bitfinex: connect: %w", err)
	}
	a.subscribe(ws, symbol)

	a.mu.Lock()
	a.ws = ws
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	go a.run(streamCtx, ws)
	return nil
}

// Disconnect stops the stream. Safe to call when already disconnected.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	ws, cancel := a.ws, a.cancel
	a.ws, a.cancel = nil, nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
}

func (a *Adapter) subscribe(ws *venue.WSClient, symbol string) {
	req := map[string]any{
		"event":   "subscribe",
		"channel": "book",
		"symbol":  a.NormalizeSymbol(symbol),
		"prec":    "R0",
		"len":     "100",
	}
	data, _ := json.Marshal(req)
	ws.Send(data)
}

func (a *Adapter) run(ctx context.Context, ws *venue.WSClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ws.Messages():
			if !ok {
				a.mu.Lock()
				a.connected = false
				if ws.Exhausted() {
					a.lastErr = venue.ErrRetriesExhausted
				}
				a.mu.Unlock()
				return
			}
			a.handleMessage(msg)
		}
	}
}

func (a *Adapter) handleMessage(raw []byte) {
	// Events (info, subscribed, errors) are objects; data frames are arrays.
	if len(raw) == 0 || raw[0] != '[' {
		return
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
		a.log.Debug("dropping unparseable frame", zap.Error(err))
		return
	}

	payload := parts[1]
	if string(payload) == `"hb"` {
		return // heartbeat
	}

	// Snapshot: [chanId, [[id,price,amount],...]]. Update: [chanId, [id,price,amount]].
	var entries [][3]float64
	if err := json.Unmarshal(payload, &entries); err == nil {
		a.handleSnapshot(entries)
		return
	}
	var entry [3]float64
	if err := json.Unmarshal(payload, &entry); err == nil {
		a.handleEntry(entry)
		return
	}
	metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
}

func (a *Adapter) handleSnapshot(entries [][3]float64) {
	for _, e := range entries {
		a.handleEntry(e)
	}
	a.mu.Lock()
	a.snapshotted = true
	a.mu.Unlock()
}

func (a *Adapter) handleEntry(e [3]float64) {
	orderID := strconv.FormatInt(int64(e[0]), 10)
	price, amount := e[1], e[2]

	a.mu.Lock()
	ws := a.ws
	a.sequence++
	seq := a.sequence
	symbol := a.symbol
	_, known := a.seen[orderID]

	ev := l3.Order{
		Venue:     a.Name(),
		Symbol:    symbol,
		OrderID:   orderID,
		Sequence:  seq,
		Side:      sideOf(amount),
		Price:     price,
		Size:      math.Abs(amount),
		Timestamp: time.Now().UTC(),
	}
	switch {
	case price == 0:
		ev.EventType = l3.EventDone
		delete(a.seen, orderID)
	case known:
		ev.EventType = l3.EventChange
	default:
		ev.EventType = l3.EventOpen
		a.seen[orderID] = struct{}{}
	}
	a.lastSeen = ev.Timestamp
	a.mu.Unlock()

	if ws != nil {
		ws.NoteHealthy()
	}
	metrics.L3EventsTotal.WithLabelValues(a.Name(), string(ev.EventType)).Inc()
	a.emit(ev)
}

func (a *Adapter) emit(ev l3.Order) {
	a.cbMu.RLock()
	fn := a.onOrder
	a.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// sideOf maps the R0 amount sign: positive amounts rest on the bid side.
func sideOf(amount float64) string {
	if amount > 0 {
		return "bid"
	}
	return "ask"
}
