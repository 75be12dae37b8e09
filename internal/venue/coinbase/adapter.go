// Package coinbase streams order-by-order depth from the Coinbase Exchange
// full channel. The level-3 REST book seeds the stream as synthetic open
// events carrying the snapshot sequence; live open/done/match/change
// messages follow with their own sequence numbers. "received" messages
// describe orders not yet on the book and are skipped.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
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
	restURL   = "https://api.exchange.coinbase.com"
	streamURL = "wss://ws-feed.exchange.coinbase.com"
)

// Adapter is the Coinbase L3 feed.
type Adapter struct {
	log    *zap.Logger
	policy venue.ReconnectPolicy

	mu        sync.Mutex
	ws        *venue.WSClient
	symbol    string
	connected bool
	lastErr   error
	lastSeen  time.Time
	cancel    context.CancelFunc

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
		restBase: restURL,
		wsBase:   streamURL,
	}
}

func (a *Adapter) Name() string { return "coinbase" }

// NormalizeSymbol returns Coinbase product IDs, which already use the
// canonical "BTC-USD" form.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	return strings.ToUpper(symbol)
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

// Connect subscribes to the full channel and seeds from the level-3 book.
// Calling it while connected is a no-op.
func (a *Adapter) Connect(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.symbol = symbol
	a.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	ws := venue.NewWSClient(a.Name(), a.policy.Apply(venue.DefaultWSConfig(a.wsBase)), a.log)
	ws.SetReconnectHook(func() {
		a.subscribe(ws, symbol)
		// Events were lost while down; replay the current resting book so
		// the consumer can detect the gap and recover.
		go a.seedSnapshot(streamCtx, symbol)
	})

	if err := ws.Connect(streamCtx); err != nil {
		cancel()
		return fmt.Errorf("coinbase: connect: %w", err)
	}
	a.subscribe(ws, symbol)

	a.mu.Lock()
	a.ws = ws
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	go a.run(streamCtx, ws)
	go func() {
		if err := a.seedSnapshot(streamCtx, symbol); err != nil {
			a.log.Warn("level-3 snapshot failed", zap.Error(err))
		}
	}()
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
		"type":        "subscribe",
		"product_ids": []string{a.NormalizeSymbol(symbol)},
		"channels":    []string{"full"},
	}
	data, _ := json.Marshal(req)
	ws.Send(data)
}

// level3Book is the REST book?level=3 response: [price, size, order_id]
// triples plus the book sequence.
type level3Book struct {
	Sequence int64   `json:"sequence"`
	Bids     [][]any `json:"bids"`
	Asks     [][]any `json:"asks"`
}

// seedSnapshot emits the resting book as open events at the snapshot
// sequence.
func (a *Adapter) seedSnapshot(ctx context.Context, symbol string) error {
	url := fmt.Sprintf("%s/products/%s/book?level=3", a.restBase, a.NormalizeSymbol(symbol))
	var snap level3Book
	if err := venue.GetJSON(ctx, url, &snap); err != nil {
		return fmt.Errorf("coinbase: snapshot: %w", err)
	}

	now := time.Now().UTC()
	for _, raw := range snap.Bids {
		if o, ok := a.snapshotOrder(raw, "bid", snap.Sequence, symbol, now); ok {
			a.emit(o)
		}
	}
	for _, raw := range snap.Asks {
		if o, ok := a.snapshotOrder(raw, "ask", snap.Sequence, symbol, now); ok {
			a.emit(o)
		}
	}

	a.mu.Lock()
	a.lastSeen = now
	a.mu.Unlock()
	return nil
}

func (a *Adapter) snapshotOrder(raw []any, side string, seq int64, symbol string, ts time.Time) (l3.Order, bool) {
	if len(raw) < 3 {
		return l3.Order{}, false
	}
	price, ok1 := toFloat(raw[0])
	size, ok2 := toFloat(raw[1])
	id, ok3 := raw[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return l3.Order{}, false
	}
	return l3.Order{
		Venue:     a.Name(),
		Symbol:    symbol,
		OrderID:   id,
		Sequence:  seq,
		Side:      side,
		Price:     price,
		Size:      size,
		EventType: l3.EventOpen,
		Timestamp: ts,
	}, true
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

type fullMessage struct {
	Type          string `json:"type"`
	Sequence      int64  `json:"sequence"`
	ProductID     string `json:"product_id"`
	OrderID       string `json:"order_id"`
	MakerOrderID  string `json:"maker_order_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	RemainingSize string `json:"remaining_size"`
	NewSize       string `json:"new_size"`
	Size          string `json:"size"`
	Time          string `json:"time"`
	Reason        string `json:"reason"`
}

func (a *Adapter) handleMessage(raw []byte) {
	var msg fullMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
		a.log.Debug("dropping unparseable frame", zap.Error(err))
		return
	}

	ev, ok := a.translate(msg)
	if !ok {
		return
	}

	a.mu.Lock()
	ws := a.ws
	a.lastSeen = time.Now().UTC()
	symbol := a.symbol
	a.mu.Unlock()
	ev.Symbol = symbol

	if ws != nil {
		ws.NoteHealthy()
	}
	metrics.L3EventsTotal.WithLabelValues(a.Name(), string(ev.EventType)).Inc()
	a.emit(ev)
}

// translate maps one full-channel message to an order lifecycle event.
func (a *Adapter) translate(msg fullMessage) (l3.Order, bool) {
	ts := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
		ts = t
	}
	ev := l3.Order{
		Venue:     a.Name(),
		OrderID:   msg.OrderID,
		Sequence:  msg.Sequence,
		Side:      toSide(msg.Side),
		Timestamp: ts,
	}

	switch msg.Type {
	case "open":
		ev.EventType = l3.EventOpen
		ev.Price = parseFloat(msg.Price)
		ev.Size = parseFloat(msg.RemainingSize)
	case "done":
		ev.EventType = l3.EventDone
		ev.Price = parseFloat(msg.Price)
		if msg.Reason != "" {
			ev.Metadata = map[string]string{"reason": msg.Reason}
		}
	case "match":
		// The maker order is the resting one being consumed.
		ev.EventType = l3.EventMatch
		ev.OrderID = msg.MakerOrderID
		ev.Price = parseFloat(msg.Price)
		ev.Size = parseFloat(msg.Size)
	case "change":
		ev.EventType = l3.EventChange
		ev.Price = parseFloat(msg.Price)
		ev.Size = parseFloat(msg.NewSize)
	default:
		return l3.Order{}, false // received, activate, subscriptions, heartbeats
	}

	if ev.OrderID == "" {
		return l3.Order{}, false
	}
	return ev, true
}

func (a *Adapter) emit(ev l3.Order) {
	a.cbMu.RLock()
	fn := a.onOrder
	a.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func toSide(s string) string {
	if s == "buy" {
		return "bid"
	}
	return "ask"
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case float64:
		return x, true
	}
	return 0, false
}
