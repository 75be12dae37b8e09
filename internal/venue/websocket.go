package venue

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/metrics"
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// BackoffBase is the delay before the first reconnect attempt; each
	// further attempt doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxAttempts is the reconnect budget. Once spent without the stream
	// stabilizing, the client gives up and stays disconnected.
	MaxAttempts int

	// StableThreshold is the number of consecutive healthy messages after
	// which the attempt counter resets to zero.
	StableThreshold int

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns the standard reconnect policy for market data.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:             url,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		BackoffBase:     5 * time.Second,
		BackoffMax:      60 * time.Second,
		MaxAttempts:     5,
		StableThreshold: 3,
	}
}

// ReconnectPolicy carries the externally configured reconnect knobs shared
// by every streaming adapter. Zero fields keep the DefaultWSConfig values.
type ReconnectPolicy struct {
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxAttempts     int
	StableThreshold int
}

// Apply overlays the policy's non-zero fields onto cfg.
func (p ReconnectPolicy) Apply(cfg WSConfig) WSConfig {
	if p.BackoffBase > 0 {
		cfg.BackoffBase = p.BackoffBase
	}
	if p.BackoffMax > 0 {
		cfg.BackoffMax = p.BackoffMax
	}
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.StableThreshold > 0 {
		cfg.StableThreshold = p.StableThreshold
	}
	return cfg
}

// WSClient is a supervised WebSocket connection. It reconnects with
// exponential backoff on read failure, gives up after the attempt budget is
// spent, and delivers raw inbound messages to a single owner channel.
//
// The attempt counter survives reconnects on purpose: a connection that dies
// immediately after dialing must not reset the budget. Only a stretch of
// consecutively parsed messages does, reported by the owning adapter through
// NoteHealthy.
type WSClient struct {
	cfg   WSConfig
	venue string
	log   *zap.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	msgs   chan []byte
	outbox chan []byte

	connected atomic.Bool
	exhausted atomic.Bool

	// attempts and streak are only touched by the read loop and NoteHealthy.
	stateMu  sync.Mutex
	attempts int
	streak   int

	// onReconnect runs after each successful redial, before reads resume.
	// Adapters use it to resubscribe and re-fetch snapshots.
	onReconnect func()

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	sleep func(ctx context.Context, d time.Duration) bool // injectable for tests
}

// NewWSClient creates a client for one venue stream. Call Connect to start.
func NewWSClient(venue string, cfg WSConfig, log *zap.Logger) *WSClient {
	return &WSClient{
		cfg:    cfg,
		venue:  venue,
		log:    log,
		msgs:   make(chan []byte, 512),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
		sleep:  sleepCtx,
	}
}

// Messages returns the channel of raw inbound frames. It is closed when the
// client shuts down or gives up.
func (ws *WSClient) Messages() <-chan []byte { return ws.msgs }

// Connected reports whether the socket is currently up.
func (ws *WSClient) Connected() bool { return ws.connected.Load() }

// Exhausted reports whether the reconnect budget has been spent.
func (ws *WSClient) Exhausted() bool { return ws.exhausted.Load() }

// Attempts returns the current reconnect attempt count.
func (ws *WSClient) Attempts() int {
	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()
	return ws.attempts
}

// SetReconnectHook registers fn to run after every successful redial.
// Must be called before Connect.
func (ws *WSClient) SetReconnectHook(fn func()) { ws.onReconnect = fn }

// NoteHealthy records one successfully parsed message. Three in a row
// reset the reconnect attempt counter.
func (ws *WSClient) NoteHealthy() {
	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()
	if ws.attempts == 0 {
		return
	}
	ws.streak++
	if ws.streak >= ws.cfg.StableThreshold {
		ws.log.Info("stream stable, resetting reconnect budget",
			zap.String("venue", ws.venue),
			zap.Int("attempts_spent", ws.attempts))
		ws.attempts = 0
		ws.streak = 0
	}
}

// Send enqueues a text frame for delivery. Frames are dropped when the
// outbox is full rather than blocking the caller.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.Warn("outbox full, dropping frame",
			zap.String("venue", ws.venue), zap.Int("bytes", len(data)))
	}
}

// Connect dials the endpoint and starts the read and write loops. It blocks
// until the initial connection succeeds or ctx is cancelled.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		return err
	}
	ws.connected.Store(true)

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	return nil
}

// Close shuts the client down and closes the message channel.
func (ws *WSClient) Close() {
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.mu.Lock()
	if ws.conn != nil {
		ws.conn.Close()
	}
	ws.mu.Unlock()
	ws.connected.Store(false)
	ws.doneOnce.Do(func() { close(ws.done) })
}

// Done is closed when the client has fully shut down or given up.
func (ws *WSClient) Done() <-chan struct{} { return ws.done }

// setURL repoints the endpoint for subsequent dials. dial reads the URL
// under the same lock, so the swap is safe while a redial is in flight.
func (ws *WSClient) setURL(u string) {
	ws.mu.Lock()
	ws.cfg.URL = u
	ws.mu.Unlock()
}

// dial establishes the connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	ws.mu.RLock()
	url := ws.cfg.URL
	ws.mu.RUnlock()

	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, url, ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect redials with exponential backoff. It returns false when the
// context is cancelled or the attempt budget is spent.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.connected.Store(false)

	for {
		ws.stateMu.Lock()
		ws.streak = 0
		if ws.attempts >= ws.cfg.MaxAttempts {
			ws.stateMu.Unlock()
			ws.log.Error("reconnect budget exhausted, feed stays down",
				zap.String("venue", ws.venue),
				zap.Int("max_attempts", ws.cfg.MaxAttempts))
			ws.exhausted.Store(true)
			return false
		}
		ws.attempts++
		attempt := ws.attempts
		ws.stateMu.Unlock()

		delay := time.Duration(math.Min(
			float64(ws.cfg.BackoffBase)*math.Pow(2, float64(attempt-1)),
			float64(ws.cfg.BackoffMax),
		))
		ws.log.Warn("reconnecting",
			zap.String("venue", ws.venue),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		metrics.ReconnectsTotal.WithLabelValues(ws.venue).Inc()

		if !ws.sleep(ctx, delay) {
			return false
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.Warn("redial failed",
				zap.String("venue", ws.venue), zap.Error(err))
			continue
		}

		ws.connected.Store(true)
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// readLoop reads frames and hands them to the owner. A read error triggers
// the reconnect protocol; giving up closes the message channel.
func (ws *WSClient) readLoop(ctx context.Context) {
	defer func() {
		close(ws.msgs)
		ws.doneOnce.Do(func() { close(ws.done) })
	}()

	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.Warn("read error", zap.String("venue", ws.venue), zap.Error(err))
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		select {
		case ws.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains the outbox onto the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Warn("write error", zap.String("venue", ws.venue), zap.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
