// Package bitget streams L2 depth from Bitget's v2 public websocket. The
// books channel pushes a full snapshot on subscribe followed by delta
// updates, tagged by the message action.
package bitget

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/book"
	"github.com/depthmap-terminal/depthmap/internal/metrics"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

const (
	restURL   = "https://api.bitget.com/api/v2/spot/market/orderbook"
	streamURL = "wss://ws.bitget.com/v2/ws/public"
)

// Adapter is the Bitget L2 feed.
type Adapter struct {
	log    *zap.Logger
	depth  int
	policy venue.ReconnectPolicy

	mu        sync.Mutex
	ws        *venue.WSClient
	symbol    string
	connected bool
	lastErr   error
	lastSeen  time.Time
	depthBook *book.DepthBook
	cancel    context.CancelFunc

	cbMu     sync.RWMutex
	onUpdate func(*book.Book)

	restBase string
	wsBase   string
}

// New creates a disconnected adapter keeping depth levels per side. policy
// overrides the default reconnect tuning where its fields are set.
func New(depth int, policy venue.ReconnectPolicy, log *zap.Logger) *Adapter {
	return &Adapter{
		log:      log,
		depth:    depth,
		policy:   policy,
		restBase: restURL,
		wsBase:   streamURL,
	}
}

func (a *Adapter) Name() string         { return "bitget" }
func (a *Adapter) Kind() book.VenueKind { return book.KindCEX }

// NormalizeSymbol maps "BTC-USD" to Bitget's concatenated USDT spot pair.
func (a *Adapter) NormalizeSymbol(symbol string) string {
	base, _, _ := strings.Cut(strings.ToUpper(symbol), "-")
	return base + "USDT"
}

// OnUpdate registers the single update callback.
func (a *Adapter) OnUpdate(fn func(*book.Book)) {
	a.cbMu.Lock()
	a.onUpdate = fn
	a.cbMu.Unlock()
}

// Status reports current connection health.
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

// FetchSnapshot pulls the REST orderbook snapshot.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*book.Book, error) {
	if depth <= 0 {
		depth = a.depth
	}
	q := url.Values{}
	q.Set("symbol", a.NormalizeSymbol(symbol))
	q.Set("limit", strconv.Itoa(depth))

	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			TS   string     `json:"ts"`
		} `json:"data"`
	}
	if err := venue.GetJSON(ctx, a.restBase+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("bitget: snapshot: %w", err)
	}
	if resp.Code != "" && resp.Code != "00000" {
		return nil, fmt.Errorf("bitget: snapshot: code %s: %s", resp.Code, resp.Msg)
	}

	b := &book.Book{
		Venue:      a.Name(),
		Kind:       a.Kind(),
		Symbol:     symbol,
		Bids:       parseLevels(resp.Data.Bids),
		Asks:       parseLevels(resp.Data.Asks),
		IsSnapshot: true,
		Timestamp:  time.Now().UTC(),
	}
	book.SortLevels(b.Bids, b.Asks)
	return b, nil
}

// Connect subscribes to the books channel. Calling it while connected is a
// no-op.
func (a *Adapter) Connect(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.symbol = symbol
	a.depthBook = book.NewDepthBook(a.Name(), a.Kind(), symbol, a.depth)
	a.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	ws := venue.NewWSClient(a.Name(), a.policy.Apply(venue.DefaultWSConfig(a.wsBase)), a.log)
	ws.SetReconnectHook(func() {
		// Resubscribing replays a fresh snapshot action.
		a.mu.Lock()
		if a.depthBook != nil {
			a.depthBook.Reset()
		}
		a.mu.Unlock()
		a.subscribe(ws, symbol)
	})

	if err := ws.Connect(streamCtx); err != nil {
		cancel()
		return fmt.Errorf("bitget: connect: %w", err)
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
		"op": "subscribe",
		"args": []map[string]string{{
			"instType": "SPOT",
			"channel":  "books",
			"instId":   a.NormalizeSymbol(symbol),
		}},
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

type booksMessage struct {
	Action string `json:"action"`
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   string     `json:"ts"`
	} `json:"data"`
}

func (a *Adapter) handleMessage(raw []byte) {
	if string(raw) == "pong" {
		return
	}

	var msg booksMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
		a.log.Debug("dropping unparseable frame", zap.Error(err))
		return
	}
	if msg.Arg.Channel != "books" || len(msg.Data) == 0 {
		return // subscription ack or unrelated event
	}

	a.mu.Lock()
	ws := a.ws
	db := a.depthBook
	if db == nil {
		a.mu.Unlock()
		return
	}
	var out *book.Book
	now := time.Now().UTC()
	for _, d := range msg.Data {
		bids := parseLevels(d.Bids)
		asks := parseLevels(d.Asks)
		ts := now
		if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil {
			ts = time.UnixMilli(ms).UTC()
		}
		switch msg.Action {
		case "snapshot":
			db.ApplySnapshot(bids, asks, 0)
			a.lastSeen = now
			out = db.Snapshot(true, ts)
		case "update":
			if err := db.ApplyDiff(bids, asks, 0, 0); err != nil {
				a.mu.Unlock()
				a.log.Debug("update before snapshot action, dropped")
				return
			}
			a.lastSeen = now
			out = db.Snapshot(false, ts)
		}
	}
	a.mu.Unlock()

	if out == nil {
		return
	}
	if ws != nil {
		ws.NoteHealthy()
	}
	metrics.BookUpdatesTotal.WithLabelValues(a.Name()).Inc()
	a.emit(out)
}

func (a *Adapter) emit(b *book.Book) {
	if b == nil {
		return
	}
	a.cbMu.RLock()
	fn := a.onUpdate
	a.cbMu.RUnlock()
	if fn != nil {
		fn(b)
	}
}

func parseLevels(raw [][]string) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(lv[0], 64)
		qty, err2 := strconv.ParseFloat(lv[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, book.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}
