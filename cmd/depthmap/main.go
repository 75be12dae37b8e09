package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/depthmap-terminal/depthmap/internal/aggregate"
	"github.com/depthmap-terminal/depthmap/internal/broadcast"
	"github.com/depthmap-terminal/depthmap/internal/config"
	"github.com/depthmap-terminal/depthmap/internal/l3stream"
	"github.com/depthmap-terminal/depthmap/internal/logger"
	"github.com/depthmap-terminal/depthmap/internal/metrics"
	"github.com/depthmap-terminal/depthmap/internal/store"
	"github.com/depthmap-terminal/depthmap/internal/venue"
	"github.com/depthmap-terminal/depthmap/internal/venue/binance"
	"github.com/depthmap-terminal/depthmap/internal/venue/bitfinex"
	"github.com/depthmap-terminal/depthmap/internal/venue/bitget"
	"github.com/depthmap-terminal/depthmap/internal/venue/coinbase"
	"github.com/depthmap-terminal/depthmap/internal/venue/kraken"
	"github.com/depthmap-terminal/depthmap/internal/venue/uniswap"
)

// goRedisClient adapts *redis.Client to the store.RedisClient interface.
type goRedisClient struct {
	c *redis.Client
}

func (g goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Env == "development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("depthmap starting",
		zap.String("env", cfg.Env),
		zap.String("symbol", cfg.Symbol),
		zap.Strings("venues", cfg.Venues),
		zap.Strings("l3_venues", cfg.L3Venues))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := broadcast.NewHub(log.Named("hub"))

	// Persistence: Postgres when enabled, in-memory otherwise. A dead
	// database at boot degrades to memory instead of refusing to serve
	// live books.
	var db store.Store
	if cfg.L3.PersistEnabled {
		pg, err := store.NewPostgres(ctx, cfg.DB.DSN())
		if err != nil {
			log.Warn("postgres unavailable, falling back to in-memory store", zap.Error(err))
			db = store.NewMemory()
		} else {
			db = pg
		}
	} else {
		db = store.NewMemory()
	}
	defer db.Close()

	// L2 side: venue adapters feeding the cross-venue heatmap.
	agg := aggregate.New(aggregate.Config{
		Symbol:       cfg.Symbol,
		BucketSize:   cfg.Heatmap.BucketSize,
		Interval:     cfg.Heatmap.Interval,
		MaxSnapshots: cfg.Heatmap.MaxSnapshots,
	}, hub, log.Named("aggregate"))

	policy := venue.ReconnectPolicy{
		BackoffBase:     cfg.WS.BackoffBase,
		BackoffMax:      cfg.WS.BackoffMax,
		MaxAttempts:     cfg.WS.MaxAttempts,
		StableThreshold: cfg.WS.StableThreshold,
	}

	for _, name := range cfg.Venues {
		f := buildFeed(name, cfg.Venue[name], policy, log)
		if f == nil {
			log.Warn("unknown venue in config, skipping", zap.String("venue", name))
			continue
		}
		agg.AddFeed(f)
	}

	// L3 side: order-by-order streams with persistence and recovery.
	manager := l3stream.NewManager(l3stream.Config{
		FlushInterval:    cfg.L3.FlushInterval,
		FlushBatchSize:   cfg.L3.FlushBatchSize,
		SnapshotInterval: cfg.L3.SnapshotInterval,
		PersistEnabled:   cfg.L3.PersistEnabled,
	}, db, hub, log.Named("l3stream"))

	var l3Feeds []venue.L3Feed
	for _, name := range cfg.L3Venues {
		f := buildL3Feed(name, policy, log)
		if f == nil {
			log.Warn("unknown l3 venue in config, skipping", zap.String("venue", name))
			continue
		}
		l3Feeds = append(l3Feeds, f)
	}

	// Redis top-of-book cache off the unified stream.
	if cfg.Redis.Enabled {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rc.Close()
		rw := store.NewRedisWriter(goRedisClient{c: rc}, hub.SubscribeAll())
		go rw.Run(ctx)
	}

	agg.ConnectAll(ctx)
	go agg.Run(ctx)
	manager.StartStream(ctx, cfg.Symbol, l3Feeds)

	srv := newHTTPServer(cfg.HTTP.Addr, agg, manager)
	go func() {
		log.Info("http listener up", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("depthmap shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	manager.Stop()
	agg.DisconnectAll()
}

// buildFeed maps a configured venue name to its L2 adapter, carrying that
// venue's depth and poll settings plus the shared reconnect policy.
func buildFeed(name string, vc config.VenueConfig, policy venue.ReconnectPolicy, log *zap.Logger) venue.Feed {
	switch name {
	case "binance":
		return binance.New(vc.Depth, policy, log.Named("binance"))
	case "kraken":
		return kraken.New(vc.Depth, policy, log.Named("kraken"))
	case "bitget":
		return bitget.New(vc.Depth, policy, log.Named("bitget"))
	case "uniswap":
		return uniswap.New(vc.Depth, vc.PollInterval, log.Named("uniswap"))
	}
	return nil
}

// buildL3Feed maps a configured venue name to its L3 adapter.
func buildL3Feed(name string, policy venue.ReconnectPolicy, log *zap.Logger) venue.L3Feed {
	switch name {
	case "coinbase":
		return coinbase.New(policy, log.Named("coinbase"))
	case "bitfinex":
		return bitfinex.New(policy, log.Named("bitfinex"))
	}
	return nil
}

// newHTTPServer exposes metrics, liveness, and stream status.
func newHTTPServer(addr string, agg *aggregate.Aggregator, manager *l3stream.Manager) *http.Server {
	reg := metrics.NewRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"venues": agg.Status(),
			"l3":     manager.Status(),
		})
	})
	mux.HandleFunc("/heatmap", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agg.LatestHeatmap())
	})
	mux.HandleFunc("/heatmap/cube", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agg.Cube())
	})
	mux.HandleFunc("/book", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(agg.AggregatedBook())
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
