// Package broadcast fans book updates and L3 order events out to any number
// of downstream consumers (persistence, caches, API streams).
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/book"
	"github.com/depthmap-terminal/depthmap/internal/l3"
)

// subKey identifies a filtered subscription by venue and symbol.
type subKey struct {
	Venue  string
	Symbol string
}

// Hub is a many-to-many dispatcher. Producers push with Publish; consumers
// receive on buffered channels. Delivery is non-blocking: a slow consumer
// gets messages dropped rather than stalling the feed pipeline.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[subKey][]chan *book.Book
	all  []chan *book.Book

	l3Mu   sync.RWMutex
	l3Subs map[subKey][]chan l3.Order
	l3All  []chan l3.Order
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:    log,
		subs:   make(map[subKey][]chan *book.Book),
		l3Subs: make(map[subKey][]chan l3.Order),
	}
}

// Subscribe returns a buffered channel receiving book updates for one
// venue/symbol pair. The caller must drain it to avoid drops.
func (h *Hub) Subscribe(venue, symbol string) <-chan *book.Book {
	ch := make(chan *book.Book, 256)
	key := subKey{Venue: venue, Symbol: symbol}

	h.mu.Lock()
	h.subs[key] = append(h.subs[key], ch)
	h.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel receiving every book update.
func (h *Hub) SubscribeAll() <-chan *book.Book {
	ch := make(chan *book.Book, 512)

	h.mu.Lock()
	h.all = append(h.all, ch)
	h.mu.Unlock()

	return ch
}

// Publish distributes one book update to matching and unified subscribers.
func (h *Hub) Publish(b *book.Book) {
	key := subKey{Venue: b.Venue, Symbol: b.Symbol}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[key] {
		select {
		case ch <- b:
		default:
			h.log.Debug("dropping book update for slow subscriber",
				zap.String("venue", b.Venue), zap.String("symbol", b.Symbol))
		}
	}
	for _, ch := range h.all {
		select {
		case ch <- b:
		default:
		}
	}
}

// SubscribeOrders returns a buffered channel receiving L3 events for one
// venue/symbol pair.
func (h *Hub) SubscribeOrders(venue, symbol string) <-chan l3.Order {
	ch := make(chan l3.Order, 1024)
	key := subKey{Venue: venue, Symbol: symbol}

	h.l3Mu.Lock()
	h.l3Subs[key] = append(h.l3Subs[key], ch)
	h.l3Mu.Unlock()

	return ch
}

// SubscribeAllOrders returns a buffered channel receiving every L3 event.
func (h *Hub) SubscribeAllOrders() <-chan l3.Order {
	ch := make(chan l3.Order, 2048)

	h.l3Mu.Lock()
	h.l3All = append(h.l3All, ch)
	h.l3Mu.Unlock()

	return ch
}

// PublishOrder distributes one L3 event.
func (h *Hub) PublishOrder(ev l3.Order) {
	key := subKey{Venue: ev.Venue, Symbol: ev.Symbol}

	h.l3Mu.RLock()
	defer h.l3Mu.RUnlock()

	for _, ch := range h.l3Subs[key] {
		select {
		case ch <- ev:
		default:
			h.log.Debug("dropping order event for slow subscriber",
				zap.String("venue", ev.Venue), zap.String("symbol", ev.Symbol))
		}
	}
	for _, ch := range h.l3All {
		select {
		case ch <- ev:
		default:
		}
	}
}
