// Package kraken streams L2 depth from Kraken's v1 websocket book channel.
// The channel delivers its own snapshot ("as"/"bs") on subscribe, followed
// by incremental updates ("a"/"b"); there is no sequence number, so a
// reconnect simply waits for the next channel snapshot.
package kraken

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
	restURL   = "https://api.kraken.com/0/public/Depth"
	streamURL = "wss://ws.kraken.com"
)

// Adapter is the Kraken L2 feed.
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

func (a *Adapter) Name() string         { return "kraken" }
func (a *Adapter) Kind() book.VenueKind { return book.KindCEX }

// NormalizeSymbol maps "BTC-USD" to Kraken's websocket pair "XBT/USD".
func (a *Adapter) NormalizeSymbol(symbol string) string {
	base, quote, _ := strings.Cut(strings.ToUpper(symbol), "-")
	if base == "BTC" {
		base = "XBT"
	}
	if quote == "" {
		quote = "USD"
	}
	return base + "/" + quote
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

// FetchSnapshot pulls the REST depth snapshot.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*book.Book, error) {
	if depth <= 0 {
		depth = a.depth
	}
	pair := strings.ReplaceAll(a.NormalizeSymbol(symbol), "/", "")
	q := url.Values{}
	q.Set("pair", pair)
	q.Set("count", strconv.Itoa(depth))

	var resp struct {
		Error  []string                   `json:"error"`
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := venue.GetJSON(ctx, a.restBase+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("kraken: snapshot: %w", err)
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("kraken: snapshot: %s", strings.Join(resp.Error, "; "))
	}

	// The result key is Kraken's internal pair name (e.g. XXBTZUSD); take
	// the first entry rather than guessing the alias.
	var depthResp struct {
		Bids [][]any `json:"bids"`
		Asks [][]any `json:"asks"`
	}
	for _, raw := range resp.Result {
		if err := json.Unmarshal(raw, &depthResp); err != nil {
			return nil, fmt.Errorf("kraken: snapshot decode: %w", err)
		}
		break
	}

	b := &book.Book{
		Venue:      a.Name(),
		Kind:       a.Kind(),
		Symbol:     symbol,
		Bids:       parseLevels(depthResp.Bids),
		Asks:       parseLevels(depthResp.Asks),
		IsSnapshot: true,
		Timestamp:  time.Now().UTC(),
	}
	book.SortLevels(b.Bids, b.Asks)
	return b, nil
}

// Connect subscribes to the book channel. Calling it while connected is a
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
		// A fresh subscription delivers a fresh channel snapshot.
		a.mu.Lock()
		if a.depthBook != nil {
			a.depthBook.Reset()
		}
		a.mu.Unlock()
		a.subscribe(ws, symbol)
	})

	if err := ws.Connect(streamCtx); err != nil {
		cancel()
		return fmt.Errorf("kraken: connect: %w", err)
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
		"event": "subscribe",
		"pair":  []string{a.NormalizeSymbol(symbol)},
		"subscription": map[string]any{
			"name":  "book",
			"depth": a.depth,
		},
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

// bookPayload is the object element of a channel message. Snapshot fields
// (as/bs) and update fields (a/b) never appear together.
type bookPayload struct {
	SnapshotAsks [][]any `json:"as"`
	SnapshotBids [][]any `json:"bs"`
	Asks         [][]any `json:"a"`
	Bids         [][]any `json:"b"`
}

func (a *Adapter) handleMessage(raw []byte) {
	// Events ({"event":"heartbeat"}, subscription acks) are objects; book
	// messages are arrays.
	if len(raw) == 0 || raw[0] != '[' {
		return
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
		a.log.Debug("dropping unparseable frame", zap.Error(err))
		return
	}

	// [channelID, payload, (payload,) channelName, pair]; merge the one or
	// two payload objects between the ID and the trailing strings.
	var snapshot, isUpdate bool
	var bids, asks []book.PriceLevel
	for _, part := range parts[1:] {
		if len(part) == 0 || part[0] != '{' {
			continue
		}
		var p bookPayload
		if err := json.Unmarshal(part, &p); err != nil {
			metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
			return
		}
		if p.SnapshotAsks != nil || p.SnapshotBids != nil {
			snapshot = true
			bids = append(bids, parseLevels(p.SnapshotBids)...)
			asks = append(asks, parseLevels(p.SnapshotAsks)...)
		}
		if p.Asks != nil || p.Bids != nil {
			isUpdate = true
			bids = append(bids, parseLevels(p.Bids)...)
			asks = append(asks, parseLevels(p.Asks)...)
		}
	}
	if !snapshot && !isUpdate {
		return
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
	if snapshot {
		db.ApplySnapshot(bids, asks, 0)
		a.lastSeen = now
		out = db.Snapshot(true, now)
	} else {
		if err := db.ApplyDiff(bids, asks, 0, 0); err != nil {
			a.mu.Unlock()
			a.log.Debug("update before channel snapshot, dropped")
			return
		}
		a.lastSeen = now
		out = db.Snapshot(false, now)
	}
	a.mu.Unlock()

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

// parseLevels decodes Kraken's [price, volume, timestamp] triples. Prices
// and volumes arrive as strings on the websocket and the REST endpoint, but
// republish feeds have been seen sending bare numbers, so both are accepted.
func parseLevels(raw [][]any) []book.PriceLevel {
	out := make([]book.PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		price, ok1 := toFloat(lv[0])
		qty, ok2 := toFloat(lv[1])
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, book.PriceLevel{Price: price, Quantity: qty})
	}
	return out
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
