package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/depthmap-terminal/depthmap/internal/book"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by *redis.Client; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// topOfBook holds the last-written best bid/ask for a market so we can
// skip duplicate writes.
type topOfBook struct {
	Bid string
	Ask string
}

// RedisWriter subscribes to the broadcast hub's unified stream and caches
// the best bid/ask for every venue book in Redis using the schema:
//
//	Key:    book:{venue}:{symbol}
//	Fields: bid, ask, ts
//
// Writes are non-blocking: updates are buffered in an internal channel and
// flushed by a dedicated goroutine. Duplicate prices are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan *book.Book
	buf    chan *book.Book

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from the hub's
// SubscribeAll channel and writes to the given Redis client.
func NewRedisWriter(client RedisClient, feed <-chan *book.Book) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan *book.Book, 1024),
		last:   make(map[string]topOfBook),
	}
}

// Run starts two goroutines: one to drain the hub feed into an internal
// buffer, and one to flush buffered updates to Redis. It blocks until ctx
// is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion: drain the hub feed into the internal buffer so we never
	// block the hub.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- b:
				default:
					// Buffer full, drop to keep up.
				}
			}
		}
	}()

	// Flusher: write buffered updates to Redis.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-rw.buf:
				if !ok {
					return
				}
				rw.write(ctx, b)
			}
		}
	}()

	wg.Wait()
}

// write extracts best bid/ask, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, b *book.Book) {
	bid := formatBest(b.BestBid())
	ask := formatBest(b.BestAsk())

	key := fmt.Sprintf("book:%s:%s", b.Venue, b.Symbol)

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev.Bid == bid && prev.Ask == ask {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = topOfBook{Bid: bid, Ask: ask}
	rw.mu.Unlock()

	ts := strconv.FormatInt(b.Timestamp.UnixMilli(), 10)
	rw.client.HSet(ctx, key, "bid", bid, "ask", ask, "ts", ts)
}

func formatBest(lv book.PriceLevel, ok bool) string {
	if !ok {
		return "0"
	}
	return strconv.FormatFloat(lv.Price, 'f', -1, 64)
}
