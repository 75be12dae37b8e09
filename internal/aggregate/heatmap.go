// Package aggregate merges per-venue books into a price-bucketed liquidity
// heatmap sampled at a fixed interval.
package aggregate

import (
	"math"
	"sort"
	"time"
)

// Quantize snaps a price onto the bucket grid: round(price/bucket)*bucket,
// rounding half away from zero. Every venue uses the same rule so identical
// prices always land in the same bucket.
func Quantize(price, bucket float64) float64 {
	if bucket <= 0 {
		return price
	}
	return math.Round(price/bucket) * bucket
}

// BucketLevel is one row of a heatmap snapshot: the total liquidity resting
// at a quantized price, broken down by venue.
type BucketLevel struct {
	Price    float64            `json:"price"`
	Total    float64            `json:"total"`
	ByVenue  map[string]float64 `json:"by_venue"`
	BidDepth float64            `json:"bid_depth"`
	AskDepth float64            `json:"ask_depth"`
}

// HeatmapSnapshot is one immutable sample of cross-venue liquidity.
type HeatmapSnapshot struct {
	Symbol    string        `json:"symbol"`
	Timestamp time.Time     `json:"timestamp"`
	Bucket    float64       `json:"bucket"`
	Levels    []BucketLevel `json:"levels"`
	MinPrice  float64       `json:"min_price"`
	MaxPrice  float64       `json:"max_price"`
	Venues    []string      `json:"venues"`
}

// TimeSeries is a bounded FIFO of snapshots. Appending past the limit
// evicts the oldest sample. Not safe for concurrent use; the aggregator
// guards it.
type TimeSeries struct {
	max   int
	snaps []*HeatmapSnapshot
}

// NewTimeSeries creates a series holding at most max snapshots.
func NewTimeSeries(max int) *TimeSeries {
	if max <= 0 {
		max = 300
	}
	return &TimeSeries{max: max}
}

// Append adds a snapshot, evicting the oldest when full. Eviction shifts in
// place rather than re-slicing, so the backing array drops its reference to
// the evicted snapshot instead of pinning it until the next reallocation.
func (ts *TimeSeries) Append(s *HeatmapSnapshot) {
	if len(ts.snaps) < ts.max {
		ts.snaps = append(ts.snaps, s)
		return
	}
	copy(ts.snaps, ts.snaps[1:])
	ts.snaps[len(ts.snaps)-1] = s
}

// Len returns the number of stored snapshots.
func (ts *TimeSeries) Len() int { return len(ts.snaps) }

// Latest returns the newest snapshot, or nil when empty.
func (ts *TimeSeries) Latest() *HeatmapSnapshot {
	if len(ts.snaps) == 0 {
		return nil
	}
	return ts.snaps[len(ts.snaps)-1]
}

// All returns the stored snapshots oldest first. The returned slice is a
// copy; the snapshots themselves are shared and immutable.
func (ts *TimeSeries) All() []*HeatmapSnapshot {
	out := make([]*HeatmapSnapshot, len(ts.snaps))
	copy(out, ts.snaps)
	return out
}

// Matrix is a venue × price view over one snapshot. Prices are ascending,
// venues sorted by name; Cells[i][j] is venue i's liquidity at price j.
type Matrix struct {
	Venues []string    `json:"venues"`
	Prices []float64   `json:"prices"`
	Cells  [][]float64 `json:"cells"`
}

// ToMatrix projects a snapshot into a dense venue × price grid.
func (s *HeatmapSnapshot) ToMatrix() *Matrix {
	venues := append([]string(nil), s.Venues...)
	sort.Strings(venues)
	venueIdx := make(map[string]int, len(venues))
	for i, v := range venues {
		venueIdx[v] = i
	}

	m := &Matrix{
		Venues: venues,
		Prices: make([]float64, len(s.Levels)),
		Cells:  make([][]float64, len(venues)),
	}
	for i := range m.Cells {
		m.Cells[i] = make([]float64, len(s.Levels))
	}
	for j, lv := range s.Levels {
		m.Prices[j] = lv.Price
		for v, qty := range lv.ByVenue {
			if i, ok := venueIdx[v]; ok {
				m.Cells[i][j] = qty
			}
		}
	}
	return m
}

// Cube is a time × venue × price view over a whole series. The price axis
// is the sorted union of every snapshot's bucket prices, so older samples
// are zero-filled at prices they never saw.
type Cube struct {
	Times  []time.Time   `json:"times"`
	Venues []string      `json:"venues"`
	Prices []float64     `json:"prices"`
	Cells  [][][]float64 `json:"cells"`
}

// ToCube projects the series into a dense 3-D grid.
func (ts *TimeSeries) ToCube() *Cube {
	priceSet := make(map[float64]struct{})
	venueSet := make(map[string]struct{})
	for _, s := range ts.snaps {
		for _, lv := range s.Levels {
			priceSet[lv.Price] = struct{}{}
		}
		for _, v := range s.Venues {
			venueSet[v] = struct{}{}
		}
	}

	prices := make([]float64, 0, len(priceSet))
	for p := range priceSet {
		prices = append(prices, p)
	}
	sort.Float64s(prices)
	priceIdx := make(map[float64]int, len(prices))
	for i, p := range prices {
		priceIdx[p] = i
	}

	venues := make([]string, 0, len(venueSet))
	for v := range venueSet {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	venueIdx := make(map[string]int, len(venues))
	for i, v := range venues {
		venueIdx[v] = i
	}

	c := &Cube{
		Times:  make([]time.Time, len(ts.snaps)),
		Venues: venues,
		Prices: prices,
		Cells:  make([][][]float64, len(ts.snaps)),
	}
	for t, s := range ts.snaps {
		c.Times[t] = s.Timestamp
		grid := make([][]float64, len(venues))
		for i := range grid {
			grid[i] = make([]float64, len(prices))
		}
		for _, lv := range s.Levels {
			j := priceIdx[lv.Price]
			for v, qty := range lv.ByVenue {
				if i, ok := venueIdx[v]; ok {
					grid[i][j] = qty
				}
			}
		}
		c.Cells[t] = grid
	}
	return c
}
