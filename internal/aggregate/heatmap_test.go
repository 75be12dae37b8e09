package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeIdempotent(t *testing.T) {
	for _, price := range []float64{0, 4.9, 5, 95, 101.3, 104.99, 105, 109.9, -7.5} {
		q := Quantize(price, 10)
		assert.Equal(t, q, Quantize(q, 10), "quantize must be idempotent at %v", price)
	}
}

func TestQuantizePeriodic(t *testing.T) {
	// Prices within the same half-open window share a bucket.
	assert.Equal(t, Quantize(101, 10), Quantize(104, 10))
	assert.NotEqual(t, Quantize(104, 10), Quantize(109, 10))
	// Half rounds away from zero.
	assert.Equal(t, 110.0, Quantize(105, 10))
	assert.Equal(t, -110.0, Quantize(-105, 10))
}

func TestQuantizeZeroBucketPassthrough(t *testing.T) {
	assert.Equal(t, 101.37, Quantize(101.37, 0))
}

func TestTimeSeriesBoundedFIFO(t *testing.T) {
	ts := NewTimeSeries(3)
	for i := 0; i < 5; i++ {
		ts.Append(&HeatmapSnapshot{Symbol: fmt.Sprintf("s%d", i)})
	}
	require.Equal(t, 3, ts.Len())
	all := ts.All()
	assert.Equal(t, "s2", all[0].Symbol, "oldest two must have been evicted")
	assert.Equal(t, "s4", all[2].Symbol)
	assert.Equal(t, "s4", ts.Latest().Symbol)
}

func TestTimeSeriesEvictionStopsGrowth(t *testing.T) {
	ts := NewTimeSeries(3)
	for i := 0; i < 4; i++ {
		ts.Append(&HeatmapSnapshot{Symbol: fmt.Sprintf("s%d", i)})
	}
	saturated := cap(ts.snaps)

	for i := 4; i < 60; i++ {
		ts.Append(&HeatmapSnapshot{Symbol: fmt.Sprintf("s%d", i)})
	}

	require.Equal(t, 3, ts.Len())
	assert.Equal(t, saturated, cap(ts.snaps), "eviction must reuse the backing array, not regrow it")
	all := ts.All()
	assert.Equal(t, "s57", all[0].Symbol)
	assert.Equal(t, "s59", all[2].Symbol)
}

func TestTimeSeriesEmptyLatest(t *testing.T) {
	ts := NewTimeSeries(10)
	assert.Nil(t, ts.Latest())
	assert.Empty(t, ts.All())
}

func TestToMatrix(t *testing.T) {
	snap := &HeatmapSnapshot{
		Venues: []string{"kraken", "binance"},
		Levels: []BucketLevel{
			{Price: 100, ByVenue: map[string]float64{"binance": 2, "kraken": 1}},
			{Price: 110, ByVenue: map[string]float64{"binance": 3}},
		},
	}
	m := snap.ToMatrix()
	require.Equal(t, []string{"binance", "kraken"}, m.Venues)
	require.Equal(t, []float64{100, 110}, m.Prices)
	assert.Equal(t, 2.0, m.Cells[0][0])
	assert.Equal(t, 3.0, m.Cells[0][1])
	assert.Equal(t, 1.0, m.Cells[1][0])
	assert.Equal(t, 0.0, m.Cells[1][1], "missing venue/price cell must be zero")
}

func TestToCubeUnionOfPrices(t *testing.T) {
	ts := NewTimeSeries(10)
	t0 := time.Unix(1000, 0)
	ts.Append(&HeatmapSnapshot{
		Timestamp: t0,
		Venues:    []string{"binance"},
		Levels:    []BucketLevel{{Price: 100, ByVenue: map[string]float64{"binance": 5}}},
	})
	ts.Append(&HeatmapSnapshot{
		Timestamp: t0.Add(time.Second),
		Venues:    []string{"binance", "kraken"},
		Levels: []BucketLevel{
			{Price: 110, ByVenue: map[string]float64{"kraken": 7}},
		},
	})

	c := ts.ToCube()
	require.Equal(t, []float64{100, 110}, c.Prices, "price axis is the union across time")
	require.Equal(t, []string{"binance", "kraken"}, c.Venues)
	require.Len(t, c.Cells, 2)

	// First sample never saw 110, zero-filled there.
	assert.Equal(t, 5.0, c.Cells[0][0][0])
	assert.Equal(t, 0.0, c.Cells[0][0][1])
	// Second sample: kraken at 110.
	assert.Equal(t, 7.0, c.Cells[1][1][1])
}
