// Package metrics holds the prometheus collectors for the feed pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BookUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depthmap_book_updates_total", Help: "L2 book updates received by venue"},
		[]string{"venue"},
	)
	L3EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depthmap_l3_events_total", Help: "L3 order events received by venue and type"},
		[]string{"venue", "event_type"},
	)
	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depthmap_parse_errors_total", Help: "Dropped unparseable feed messages by venue"},
		[]string{"venue"},
	)
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depthmap_ws_reconnects_total", Help: "WebSocket reconnect attempts by venue"},
		[]string{"venue"},
	)
	ResyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "depthmap_book_resyncs_total", Help: "Snapshot re-fetches after sequence gaps by venue"},
		[]string{"venue"},
	)
	HeatmapTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthmap_heatmap_ticks_total", Help: "Heatmap generation ticks"},
	)
	OrdersFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthmap_l3_orders_flushed_total", Help: "L3 orders flushed to the store"},
	)
	SnapshotsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthmap_l3_snapshots_saved_total", Help: "L3 snapshots persisted"},
	)
	PersistErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "depthmap_persist_errors_total", Help: "Failed store writes (batches dropped)"},
	)
	ConnectedVenues = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "depthmap_connected_venues", Help: "Venue adapters currently connected"},
	)
)

// NewRegistry registers every collector plus the standard Go and process
// collectors and returns the registry.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		BookUpdatesTotal, L3EventsTotal, ParseErrorsTotal, ReconnectsTotal, ResyncsTotal,
		HeatmapTicksTotal, OrdersFlushedTotal, SnapshotsSavedTotal, PersistErrorsTotal,
		ConnectedVenues,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		reg.MustRegister(c)
	}
	return reg
}

// Handler serves the registry over HTTP.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
