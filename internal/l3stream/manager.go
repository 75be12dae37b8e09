// Package l3stream supervises order-by-order feeds: it folds adapter events
// into reconstructed books, batches them into the store, snapshots each book
// on a timer, and rebuilds books from persisted state after sequence gaps.
package l3stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/broadcast"
	"github.com/depthmap-terminal/depthmap/internal/l3"
	"github.com/depthmap-terminal/depthmap/internal/metrics"
	"github.com/depthmap-terminal/depthmap/internal/store"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

// Config tunes persistence cadence. Zero values pick the defaults.
type Config struct {
	FlushInterval    time.Duration // default 1s
	FlushBatchSize   int           // default 1000, flush early past this
	SnapshotInterval time.Duration // default 60s
	PersistEnabled   bool
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 1000
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	return c
}

// StreamStatus is a point-in-time view of one supervised stream.
type StreamStatus struct {
	Venue           string       `json:"venue"`
	Symbol          string       `json:"symbol"`
	State           l3.State     `json:"state"`
	Sequence        int64        `json:"sequence"`
	BidOrders       int          `json:"bid_orders"`
	AskOrders       int          `json:"ask_orders"`
	OrdersReceived  int64        `json:"orders_received"`
	OrdersPersisted int64        `json:"orders_persisted"`
	SnapshotsTaken  int64        `json:"snapshots_taken"`
	LastError       string       `json:"last_error,omitempty"`
	Feed            venue.Status `json:"feed"`
}

// stream pairs one adapter with its reconstructed book and write buffer.
type stream struct {
	venueName string
	symbol    string
	feed      venue.L3Feed
	book      *l3.Book
	cancel    context.CancelFunc

	mu        sync.Mutex
	buf       []l3.Order
	received  int64
	persisted int64
	snapshots int64
	lastErr   string

	kick chan struct{} // signals an early flush past the batch threshold
}

// Manager owns every L3 stream for the process.
type Manager struct {
	log *zap.Logger
	cfg Config
	db  store.Store
	hub *broadcast.Hub

	mu      sync.RWMutex
	streams map[string]*stream

	nowFunc func() time.Time
}

// NewManager wires the store and hub. hub may be nil when nothing consumes
// the event fan-out.
func NewManager(cfg Config, db store.Store, hub *broadcast.Hub, log *zap.Logger) *Manager {
	return &Manager{
		log:     log,
		cfg:     cfg.withDefaults(),
		db:      db,
		hub:     hub,
		streams: make(map[string]*stream),
		nowFunc: time.Now,
	}
}

func streamKey(venueName, symbol string) string {
	return venueName + ":" + symbol
}

// StartStream connects every feed for the symbol and begins folding its
// events. A feed that fails to connect is logged and skipped; the rest
// proceed. Starting an already-running venue/symbol pair is a no-op.
func (m *Manager) StartStream(ctx context.Context, symbol string, feeds []venue.L3Feed) {
	for _, feed := range feeds {
		key := streamKey(feed.Name(), symbol)

		m.mu.Lock()
		if _, running := m.streams[key]; running {
			m.mu.Unlock()
			continue
		}
		streamCtx, cancel := context.WithCancel(ctx)
		s := &stream{
			venueName: feed.Name(),
			symbol:    symbol,
			feed:      feed,
			book:      l3.NewBook(feed.Name(), symbol),
			cancel:    cancel,
			kick:      make(chan struct{}, 1),
		}
		m.streams[key] = s
		m.mu.Unlock()

		feed.OnOrder(func(ev l3.Order) { m.handleEvent(streamCtx, s, ev) })

		if err := feed.Connect(streamCtx, symbol); err != nil {
			m.log.Error("l3 feed connect failed",
				zap.String("venue", feed.Name()), zap.String("symbol", symbol), zap.Error(err))
			s.setError(err)
		}

		if m.cfg.PersistEnabled {
			go m.flushLoop(streamCtx, s)
			go m.snapshotLoop(streamCtx, s)
		}

		m.log.Info("l3 stream started",
			zap.String("venue", feed.Name()), zap.String("symbol", symbol),
			zap.Bool("persist", m.cfg.PersistEnabled))
	}
}

// StopStream disconnects one venue/symbol pair and flushes its buffer.
func (m *Manager) StopStream(venueName, symbol string) {
	key := streamKey(venueName, symbol)

	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.feed.Disconnect()
	s.cancel()
	if m.cfg.PersistEnabled {
		m.flush(context.Background(), s)
	}
}

// Stop tears down every stream.
func (m *Manager) Stop() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for key, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, key)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.feed.Disconnect()
		s.cancel()
		if m.cfg.PersistEnabled {
			m.flush(context.Background(), s)
		}
	}
}

// handleEvent is the per-event hot path: detect gaps, fold into the book,
// buffer for persistence, fan out.
func (m *Manager) handleEvent(ctx context.Context, s *stream, ev l3.Order) {
	last := s.book.Sequence()
	if ev.Sequence > 0 && last > 0 && ev.Sequence > last+1 && s.book.State() == l3.StateLive {
		s.book.SetRecovering()
		m.log.Warn("sequence gap detected",
			zap.String("venue", s.venueName), zap.String("symbol", s.symbol),
			zap.Int64("have", last), zap.Int64("got", ev.Sequence))
		if m.cfg.PersistEnabled {
			go func() {
				if err := m.RebuildFromSequence(ctx, s.venueName, s.symbol, last); err != nil {
					m.log.Error("rebuild failed", zap.String("venue", s.venueName), zap.Error(err))
					s.setError(err)
					s.book.SetLive()
					return
				}
				s.book.SetLive()
			}()
		} else {
			// Nothing to rebuild from; keep folding and note the hole.
			s.book.SetLive()
		}
	}

	s.book.ApplyEvent(ev)

	if m.hub != nil {
		m.hub.PublishOrder(ev)
	}

	s.mu.Lock()
	s.received++
	var pending int
	if m.cfg.PersistEnabled {
		s.buf = append(s.buf, ev)
		pending = len(s.buf)
	}
	s.mu.Unlock()

	if pending >= m.cfg.FlushBatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// flushLoop writes the buffer on a timer or when the batch threshold kicks.
func (m *Manager) flushLoop(ctx context.Context, s *stream) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flush(ctx, s)
		case <-s.kick:
			m.flush(ctx, s)
		}
	}
}

// flush writes and clears the buffered events. On store failure the batch is
// dropped rather than retried; the feed must never back up behind a slow or
// dead database, and the idempotent insert keys make a later replay safe.
func (m *Manager) flush(ctx context.Context, s *stream) {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := m.db.SaveOrdersBatch(ctx, batch); err != nil {
		metrics.PersistErrorsTotal.Inc()
		m.log.Error("order batch dropped",
			zap.String("venue", s.venueName), zap.Int("size", len(batch)), zap.Error(err))
		s.setError(err)
		return
	}

	metrics.OrdersFlushedTotal.Add(float64(len(batch)))
	s.mu.Lock()
	s.persisted += int64(len(batch))
	s.mu.Unlock()
}

// snapshotLoop persists a compact book snapshot on a fixed cadence.
func (m *Manager) snapshotLoop(ctx context.Context, s *stream) {
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshot(ctx, s)
		}
	}
}

func (m *Manager) snapshot(ctx context.Context, s *stream) {
	snap := s.book.Snapshot(m.nowFunc())
	if snap.Sequence == 0 && snap.BidCount == 0 && snap.AskCount == 0 {
		return
	}
	if err := m.db.SaveSnapshot(ctx, snap); err != nil {
		metrics.PersistErrorsTotal.Inc()
		m.log.Error("snapshot save failed",
			zap.String("venue", s.venueName), zap.Error(err))
		s.setError(err)
		return
	}
	metrics.SnapshotsSavedTotal.Inc()
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
}

// RebuildFromSequence restores a book to the state at or after seq: it loads
// the newest snapshot not past seq and replays every persisted event above
// the snapshot's sequence. The replay cursor is the snapshot's sequence, not
// seq, because events between the two are not in the snapshot and must be
// reapplied; any event at or below seq that the snapshot does include is
// absorbed by the duplicate-open and idempotent-removal rules. Returns
// store.ErrNotFound when no usable snapshot exists.
func (m *Manager) RebuildFromSequence(ctx context.Context, venueName, symbol string, seq int64) error {
	m.mu.RLock()
	s, ok := m.streams[streamKey(venueName, symbol)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("l3stream: no stream for %s %s", venueName, symbol)
	}

	snap, err := m.db.LatestSnapshotBefore(ctx, venueName, symbol, seq)
	if err != nil {
		return err
	}

	events, err := m.db.OrdersAfterSequence(ctx, venueName, symbol, snap.Sequence)
	if err != nil {
		return err
	}

	s.book.InitializeFromSnapshot(snap)
	for _, ev := range events {
		s.book.ApplyEvent(ev)
	}

	m.log.Info("book rebuilt",
		zap.String("venue", venueName), zap.String("symbol", symbol),
		zap.Int64("snapshot_seq", snap.Sequence), zap.Int("replayed", len(events)))
	return nil
}

// Book exposes the reconstructed book for a running stream.
func (m *Manager) Book(venueName, symbol string) (*l3.Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamKey(venueName, symbol)]
	if !ok {
		return nil, false
	}
	return s.book, true
}

// Status reports every stream, sorted by nothing in particular.
func (m *Manager) Status() []StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]StreamStatus, 0, len(m.streams))
	for _, s := range m.streams {
		bids, asks := s.book.OrderCount()
		s.mu.Lock()
		st := StreamStatus{
			Venue:           s.venueName,
			Symbol:          s.symbol,
			State:           s.book.State(),
			Sequence:        s.book.Sequence(),
			BidOrders:       bids,
			AskOrders:       asks,
			OrdersReceived:  s.received,
			OrdersPersisted: s.persisted,
			SnapshotsTaken:  s.snapshots,
			LastError:       s.lastErr,
			Feed:            s.feed.Status(),
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *stream) setError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}
