package aggregate

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/book"
	"github.com/depthmap-terminal/depthmap/internal/broadcast"
	"github.com/depthmap-terminal/depthmap/internal/metrics"
	"github.com/depthmap-terminal/depthmap/internal/venue"
)

// Config holds aggregation parameters.
type Config struct {
	Symbol       string
	BucketSize   float64
	Interval     time.Duration
	MaxSnapshots int
}

// Aggregator holds the latest L2 book per venue and periodically folds them
// into a heatmap snapshot. Book state and the heatmap series sit behind
// separate locks so slow heatmap readers never delay feed callbacks.
type Aggregator struct {
	cfg     Config
	log     *zap.Logger
	hub     *broadcast.Hub
	monitor *venue.Monitor

	feedMu sync.Mutex
	feeds  []venue.Feed

	booksMu sync.RWMutex
	books   map[string]*book.Book // keyed by venue name

	seriesMu sync.RWMutex
	series   *TimeSeries

	cbMu   sync.RWMutex
	onTick func(*HeatmapSnapshot)

	nowFunc func() time.Time
}

// New creates an aggregator. hub may be nil when no downstream consumers
// need raw per-venue updates.
func New(cfg Config, hub *broadcast.Hub, log *zap.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Aggregator{
		cfg:     cfg,
		log:     log,
		hub:     hub,
		monitor: venue.NewMonitor(venue.DefaultHealthConfig()),
		books:   make(map[string]*book.Book),
		series:  NewTimeSeries(cfg.MaxSnapshots),
		nowFunc: time.Now,
	}
}

// AddFeed wires a venue feed into the aggregator. The feed's updates
// replace that venue's latest book; failures inside one feed never reach
// the others.
func (a *Aggregator) AddFeed(f venue.Feed) {
	f.OnUpdate(func(b *book.Book) {
		a.booksMu.Lock()
		a.books[b.Venue] = b
		a.booksMu.Unlock()

		a.monitor.RecordUpdate(b.Venue)
		if a.hub != nil {
			a.hub.Publish(b)
		}
	})

	a.feedMu.Lock()
	a.feeds = append(a.feeds, f)
	a.feedMu.Unlock()
}

// OnTick registers a callback fired once per generated heatmap snapshot.
func (a *Aggregator) OnTick(fn func(*HeatmapSnapshot)) {
	a.cbMu.Lock()
	a.onTick = fn
	a.cbMu.Unlock()
}

// ConnectAll connects every registered feed. A feed that fails to connect
// is logged and skipped; the rest proceed.
func (a *Aggregator) ConnectAll(ctx context.Context) {
	a.feedMu.Lock()
	feeds := append([]venue.Feed(nil), a.feeds...)
	a.feedMu.Unlock()

	var connected int
	for _, f := range feeds {
		if err := f.Connect(ctx, a.cfg.Symbol); err != nil {
			a.log.Error("feed connect failed",
				zap.String("venue", f.Name()), zap.Error(err))
			continue
		}
		connected++
		a.log.Info("feed connected", zap.String("venue", f.Name()))
	}
	metrics.ConnectedVenues.Set(float64(connected))
}

// DisconnectAll disconnects every feed.
func (a *Aggregator) DisconnectAll() {
	a.feedMu.Lock()
	feeds := append([]venue.Feed(nil), a.feeds...)
	a.feedMu.Unlock()

	for _, f := range feeds {
		f.Disconnect()
	}
	metrics.ConnectedVenues.Set(0)
}

// Run drives the heatmap tick until ctx is cancelled. A tick fires on every
// interval even when no feed produced data, so the series keeps advancing
// through silent stretches.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick generates one snapshot and appends it to the series.
func (a *Aggregator) tick() {
	snap := a.Generate()

	a.seriesMu.Lock()
	a.series.Append(snap)
	a.seriesMu.Unlock()

	metrics.HeatmapTicksTotal.Inc()

	a.cbMu.RLock()
	fn := a.onTick
	a.cbMu.RUnlock()
	if fn != nil {
		fn(snap)
	}
}

// Generate folds the current per-venue books into one bucketed snapshot.
func (a *Aggregator) Generate() *HeatmapSnapshot {
	a.booksMu.RLock()
	books := make([]*book.Book, 0, len(a.books))
	for _, b := range a.books {
		books = append(books, b)
	}
	a.booksMu.RUnlock()

	type bucket struct {
		total    float64
		byVenue  map[string]float64
		bidDepth float64
		askDepth float64
	}
	buckets := make(map[float64]*bucket)
	venues := make([]string, 0, len(books))

	get := func(price float64) *bucket {
		q := Quantize(price, a.cfg.BucketSize)
		bk, ok := buckets[q]
		if !ok {
			bk = &bucket{byVenue: make(map[string]float64)}
			buckets[q] = bk
		}
		return bk
	}

	minPrice, maxPrice := 0.0, 0.0
	var seenPrice bool
	observe := func(p float64) {
		if !seenPrice || p < minPrice {
			minPrice = p
		}
		if !seenPrice || p > maxPrice {
			maxPrice = p
		}
		seenPrice = true
	}

	for _, b := range books {
		venues = append(venues, b.Venue)
		for _, lv := range b.Bids {
			bk := get(lv.Price)
			bk.total += lv.Quantity
			bk.bidDepth += lv.Quantity
			bk.byVenue[b.Venue] += lv.Quantity
			observe(lv.Price)
		}
		for _, lv := range b.Asks {
			bk := get(lv.Price)
			bk.total += lv.Quantity
			bk.askDepth += lv.Quantity
			bk.byVenue[b.Venue] += lv.Quantity
			observe(lv.Price)
		}
	}

	levels := make([]BucketLevel, 0, len(buckets))
	for price, bk := range buckets {
		levels = append(levels, BucketLevel{
			Price:    price,
			Total:    bk.total,
			ByVenue:  bk.byVenue,
			BidDepth: bk.bidDepth,
			AskDepth: bk.askDepth,
		})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	sort.Strings(venues)

	return &HeatmapSnapshot{
		Symbol:    a.cfg.Symbol,
		Timestamp: a.nowFunc().UTC(),
		Bucket:    a.cfg.BucketSize,
		Levels:    levels,
		MinPrice:  minPrice,
		MaxPrice:  maxPrice,
		Venues:    venues,
	}
}

// AggregatedBook merges the latest books of every venue into one combined
// book: quantities at equal prices sum across venues.
func (a *Aggregator) AggregatedBook() *book.Book {
	a.booksMu.RLock()
	defer a.booksMu.RUnlock()

	bids := make(map[float64]float64)
	asks := make(map[float64]float64)
	var newest time.Time
	for _, b := range a.books {
		for _, lv := range b.Bids {
			bids[lv.Price] += lv.Quantity
		}
		for _, lv := range b.Asks {
			asks[lv.Price] += lv.Quantity
		}
		if b.Timestamp.After(newest) {
			newest = b.Timestamp
		}
	}

	out := &book.Book{
		Venue:     "aggregate",
		Symbol:    a.cfg.Symbol,
		Bids:      make([]book.PriceLevel, 0, len(bids)),
		Asks:      make([]book.PriceLevel, 0, len(asks)),
		Timestamp: newest,
	}
	for p, q := range bids {
		out.Bids = append(out.Bids, book.PriceLevel{Price: p, Quantity: q})
	}
	for p, q := range asks {
		out.Asks = append(out.Asks, book.PriceLevel{Price: p, Quantity: q})
	}
	book.SortLevels(out.Bids, out.Asks)
	return out
}

// VenueBook returns the latest book for one venue, or false.
func (a *Aggregator) VenueBook(venueName string) (*book.Book, bool) {
	a.booksMu.RLock()
	defer a.booksMu.RUnlock()
	b, ok := a.books[venueName]
	return b, ok
}

// LatestHeatmap returns the newest snapshot, or nil before the first tick.
func (a *Aggregator) LatestHeatmap() *HeatmapSnapshot {
	a.seriesMu.RLock()
	defer a.seriesMu.RUnlock()
	return a.series.Latest()
}

// HeatmapSeries returns all stored snapshots, oldest first.
func (a *Aggregator) HeatmapSeries() []*HeatmapSnapshot {
	a.seriesMu.RLock()
	defer a.seriesMu.RUnlock()
	return a.series.All()
}

// Cube returns the time × venue × price projection of the stored series.
func (a *Aggregator) Cube() *Cube {
	a.seriesMu.RLock()
	defer a.seriesMu.RUnlock()
	return a.series.ToCube()
}

// Status reports every feed's health plus data freshness.
func (a *Aggregator) Status() []venue.Status {
	a.feedMu.Lock()
	feeds := append([]venue.Feed(nil), a.feeds...)
	a.feedMu.Unlock()

	out := make([]venue.Status, 0, len(feeds))
	for _, f := range feeds {
		st := f.Status()
		if ts := a.monitor.LastUpdate(f.Name()); ts.After(st.LastUpdate) {
			st.LastUpdate = ts
		}
		out = append(out, st)
	}
	return out
}
