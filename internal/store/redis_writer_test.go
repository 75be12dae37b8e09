package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/depthmap-terminal/depthmap/internal/book"
)

// mockRedis records every HSet call for assertion.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	m.mu.Unlock()
	return nil
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func TestRedisWriter_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan *book.Book, 8)

	rw := NewRedisWriter(mock, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go rw.Run(ctx)

	feed <- &book.Book{
		Venue:  "binance",
		Symbol: "BTC-USD",
		Bids: []book.PriceLevel{
			{Price: 64120.5, Quantity: 3},
			{Price: 64119, Quantity: 1},
		},
		Asks: []book.PriceLevel{
			{Price: 64121, Quantity: 2},
			{Price: 64125, Quantity: 5},
		},
		Timestamp: time.UnixMilli(1700000000000),
	}

	// Wait for the write to propagate.
	deadline := time.After(time.Second)
	for {
		calls := mock.getCalls()
		if len(calls) > 0 {
			c := calls[0]
			if c.Key != "book:binance:BTC-USD" {
				t.Fatalf("wrong key: %s", c.Key)
			}
			if c.Fields["bid"] != "64120.5" {
				t.Fatalf("expected bid '64120.5', got %q", c.Fields["bid"])
			}
			if c.Fields["ask"] != "64121" {
				t.Fatalf("expected ask '64121', got %q", c.Fields["ask"])
			}
			if c.Fields["ts"] != "1700000000000" {
				t.Fatalf("expected ts '1700000000000', got %q", c.Fields["ts"])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for HSET call")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRedisWriter_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan *book.Book, 8)

	rw := NewRedisWriter(mock, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go rw.Run(ctx)

	base := book.Book{
		Venue:     "kraken",
		Symbol:    "BTC-USD",
		Bids:      []book.PriceLevel{{Price: 64100, Quantity: 3}},
		Asks:      []book.PriceLevel{{Price: 64105, Quantity: 2}},
		Timestamp: time.UnixMilli(1000),
	}

	// Send the same top of book three times.
	feed <- base.Clone()

	dup := base.Clone()
	dup.Timestamp = time.UnixMilli(2000)
	feed <- dup

	dup2 := base.Clone()
	dup2.Timestamp = time.UnixMilli(3000)
	feed <- dup2

	// Wait for processing.
	time.Sleep(200 * time.Millisecond)

	calls := mock.getCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 HSET call (duplicates suppressed), got %d", len(calls))
	}

	// A new best bid must trigger a second write.
	changed := base.Clone()
	changed.Bids = []book.PriceLevel{{Price: 64101.5, Quantity: 1}}
	changed.Timestamp = time.UnixMilli(4000)
	feed <- changed

	time.Sleep(200 * time.Millisecond)

	calls = mock.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 HSET calls after price change, got %d", len(calls))
	}
	if calls[1].Fields["bid"] != "64101.5" {
		t.Fatalf("expected updated bid '64101.5', got %q", calls[1].Fields["bid"])
	}
}

func TestRedisWriter_EmptySideWritesZero(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan *book.Book, 8)

	rw := NewRedisWriter(mock, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go rw.Run(ctx)

	feed <- &book.Book{
		Venue:     "bitget",
		Symbol:    "ETH-USD",
		Asks:      []book.PriceLevel{{Price: 3200, Quantity: 1}},
		Timestamp: time.UnixMilli(5000),
	}

	deadline := time.After(time.Second)
	for {
		calls := mock.getCalls()
		if len(calls) > 0 {
			if calls[0].Fields["bid"] != "0" {
				t.Fatalf("expected bid '0' for empty side, got %q", calls[0].Fields["bid"])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for HSET call")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
