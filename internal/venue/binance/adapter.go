// Package binance streams L2 depth from Binance spot. The book is seeded
// from the REST depth endpoint and kept current by the @depth diff stream,
// bridged on the lastUpdateId / U / u sequence rule: diffs that arrived
// before the snapshot are buffered and replayed, stale diffs are dropped,
// and a gap forces a fresh snapshot.
package binance

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
	restURL   = "https://api.binance.com/api/v3/depth"
	streamURL = "wss://stream.binance.com:9443/ws"
)

// Adapter is the Binance L2 feed.
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
	buffer    []depthUpdate
	cancel    context.CancelFunc

	cbMu     sync.RWMutex
	onUpdate func(*book.Book)

	// overridable endpoints for tests
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

func (a *Adapter) Name() string         { return "binance" }
func (a *Adapter) Kind() book.VenueKind { return book.KindCEX }

// NormalizeSymbol maps a canonical "BTC-USD" style symbol to Binance's
// concatenated USDT pair.
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

// FetchSnapshot pulls the REST depth snapshot without touching stream state.
func (a *Adapter) FetchSnapshot(ctx context.Context, symbol string, depth int) (*book.Book, error) {
	snap, err := a.getSnapshot(ctx, symbol, depth)
	if err != nil {
		return nil, err
	}
	b := &book.Book{
		Venue:      a.Name(),
		Kind:       a.Kind(),
		Symbol:     symbol,
		Bids:       parseLevels(snap.Bids),
		Asks:       parseLevels(snap.Asks),
		Sequence:   snap.LastUpdateID,
		IsSnapshot: true,
		Timestamp:  time.Now().UTC(),
	}
	book.SortLevels(b.Bids, b.Asks)
	return b, nil
}

// Connect seeds the book and starts the diff stream. Calling it while
// connected is a no-op.
func (a *Adapter) Connect(ctx context.Context, symbol string) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.symbol = symbol
	a.depthBook = book.NewDepthBook(a.Name(), a.Kind(), symbol, a.depth)
	a.buffer = nil
	a.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	stream := strings.ToLower(a.NormalizeSymbol(symbol)) + "@depth@100ms"
	ws := venue.NewWSClient(a.Name(), a.policy.Apply(venue.DefaultWSConfig(a.wsBase+"/"+stream)), a.log)
	ws.SetReconnectHook(func() {
		// The diff stream restarted; the local book may have missed updates.
		a.resync(streamCtx)
	})

	if err := ws.Connect(streamCtx); err != nil {
		cancel()
		return fmt.Errorf("binance: connect: %w", err)
	}

	a.mu.Lock()
	a.ws = ws
	a.cancel = cancel
	a.connected = true
	a.mu.Unlock()

	go a.run(streamCtx, ws)

	if err := a.seedSnapshot(ctx, symbol); err != nil {
		a.log.Warn("initial snapshot failed, stream will retry", zap.Error(err))
	}
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

type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type depthUpdate struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
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
			a.handleMessage(ctx, msg)
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, raw []byte) {
	var ev depthUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(a.Name()).Inc()
		a.log.Debug("dropping unparseable frame", zap.Error(err))
		return
	}
	if ev.EventType != "depthUpdate" {
		return // subscription ack or ping payload
	}

	a.mu.Lock()
	ws := a.ws
	db := a.depthBook
	if db == nil {
		a.mu.Unlock()
		return
	}
	if !db.Seeded() {
		a.buffer = append(a.buffer, ev)
		a.mu.Unlock()
		return
	}
	err := db.ApplyDiff(parseLevels(ev.Bids), parseLevels(ev.Asks), ev.FirstID, ev.FinalID)
	var out *book.Book
	if err == nil {
		a.lastSeen = time.Now().UTC()
		out = db.Snapshot(false, time.UnixMilli(ev.EventTime).UTC())
	}
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("sequence gap, resyncing",
			zap.String("symbol", ev.Symbol), zap.Error(err))
		metrics.ResyncsTotal.WithLabelValues(a.Name()).Inc()
		a.resync(ctx)
		return
	}

	if ws != nil {
		ws.NoteHealthy()
	}
	metrics.BookUpdatesTotal.WithLabelValues(a.Name()).Inc()
	a.emit(out)
}

// seedSnapshot fetches the REST snapshot, applies it, then replays any diffs
// buffered while waiting.
func (a *Adapter) seedSnapshot(ctx context.Context, symbol string) error {
	snap, err := a.getSnapshot(ctx, symbol, a.depth)
	if err != nil {
		return err
	}

	a.mu.Lock()
	db := a.depthBook
	if db == nil {
		a.mu.Unlock()
		return nil
	}
	db.ApplySnapshot(parseLevels(snap.Bids), parseLevels(snap.Asks), snap.LastUpdateID)
	buffered := a.buffer
	a.buffer = nil
	a.lastSeen = time.Now().UTC()
	out := db.Snapshot(true, a.lastSeen)

	var replayErr error
	for _, ev := range buffered {
		if ev.FinalID <= snap.LastUpdateID {
			continue
		}
		if replayErr = db.ApplyDiff(parseLevels(ev.Bids), parseLevels(ev.Asks), ev.FirstID, ev.FinalID); replayErr != nil {
			break
		}
	}
	a.mu.Unlock()

	a.emit(out)

	if replayErr != nil {
		a.log.Warn("buffered diffs did not chain onto snapshot, resyncing", zap.Error(replayErr))
		metrics.ResyncsTotal.WithLabelValues(a.Name()).Inc()
		a.resync(ctx)
	}
	return nil
}

// resync drops local state and fetches a fresh snapshot in the background.
func (a *Adapter) resync(ctx context.Context) {
	a.mu.Lock()
	symbol := a.symbol
	if a.depthBook != nil {
		a.depthBook.Reset()
	}
	a.buffer = nil
	a.mu.Unlock()

	go func() {
		if err := a.seedSnapshot(ctx, symbol); err != nil {
			a.mu.Lock()
			a.lastErr = err
			a.mu.Unlock()
			a.log.Warn("resync snapshot failed", zap.Error(err))
		}
	}()
}

func (a *Adapter) getSnapshot(ctx context.Context, symbol string, depth int) (*depthSnapshot, error) {
	if depth <= 0 {
		depth = 100
	}
	q := url.Values{}
	q.Set("symbol", a.NormalizeSymbol(symbol))
	q.Set("limit", strconv.Itoa(depth))

	var snap depthSnapshot
	if err := venue.GetJSON(ctx, a.restBase+"?"+q.Encode(), &snap); err != nil {
		return nil, fmt.Errorf("binance: snapshot: %w", err)
	}
	return &snap, nil
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
