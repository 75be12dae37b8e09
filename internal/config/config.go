package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	Symbol   string `mapstructure:"symbol"`
	Venues   []string
	L3Venues []string
	HTTP     HTTPConfig
	WS       WSConfig
	Venue    map[string]VenueConfig
	Heatmap  HeatmapConfig
	L3       L3Config
	DB       DBConfig
	Redis    RedisConfig
}

// WSConfig holds the reconnect policy shared by every streaming adapter.
type WSConfig struct {
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	StableThreshold int           `mapstructure:"stable_threshold"`
}

// VenueConfig holds per-venue overrides. Depth falls back to the global
// heatmap depth when unset; PollInterval only applies to polling venues.
type VenueConfig struct {
	Depth        int           `mapstructure:"depth"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// HTTPConfig holds the metrics/health listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// HeatmapConfig holds aggregation parameters.
type HeatmapConfig struct {
	BucketSize   float64       `mapstructure:"bucket_size"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxSnapshots int           `mapstructure:"max_snapshots"`
	Depth        int           `mapstructure:"depth"`
}

// L3Config holds the stream manager's buffering and snapshot settings.
type L3Config struct {
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	FlushBatchSize   int           `mapstructure:"flush_batch_size"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	PersistEnabled   bool          `mapstructure:"persist_enabled"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Load reads configuration from environment variables prefixed with DEPTHMAP_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEPTHMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("symbol", "BTC-USD")
	v.SetDefault("venues", "binance,kraken,bitget")
	v.SetDefault("l3_venues", "coinbase,bitfinex")

	// HTTP defaults
	v.SetDefault("http.addr", ":8080")

	// Streaming reconnect defaults
	v.SetDefault("ws.backoff_base", "5s")
	v.SetDefault("ws.backoff_max", "60s")
	v.SetDefault("ws.max_attempts", 5)
	v.SetDefault("ws.stable_threshold", 3)

	// Per-venue defaults
	v.SetDefault("venue.uniswap.poll_interval", "10s")

	// Heatmap defaults
	v.SetDefault("heatmap.bucket_size", 10.0)
	v.SetDefault("heatmap.interval", "1s")
	v.SetDefault("heatmap.max_snapshots", 300)
	v.SetDefault("heatmap.depth", 100)

	// L3 defaults
	v.SetDefault("l3.flush_interval", "1s")
	v.SetDefault("l3.flush_batch_size", 1000)
	v.SetDefault("l3.snapshot_interval", "60s")
	v.SetDefault("l3.persist_enabled", true)

	// DB defaults
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "depthmap")
	v.SetDefault("db.password", "depthmap")
	v.SetDefault("db.dbname", "depthmap")
	v.SetDefault("db.sslmode", "disable")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LogLevel = v.GetString("log_level")
	cfg.Symbol = v.GetString("symbol")
	cfg.Venues = splitList(v.GetString("venues"))
	cfg.L3Venues = splitList(v.GetString("l3_venues"))

	cfg.HTTP = HTTPConfig{
		Addr: v.GetString("http.addr"),
	}

	cfg.WS = WSConfig{
		BackoffBase:     v.GetDuration("ws.backoff_base"),
		BackoffMax:      v.GetDuration("ws.backoff_max"),
		MaxAttempts:     v.GetInt("ws.max_attempts"),
		StableThreshold: v.GetInt("ws.stable_threshold"),
	}

	cfg.Heatmap = HeatmapConfig{
		BucketSize:   v.GetFloat64("heatmap.bucket_size"),
		Interval:     v.GetDuration("heatmap.interval"),
		MaxSnapshots: v.GetInt("heatmap.max_snapshots"),
		Depth:        v.GetInt("heatmap.depth"),
	}

	cfg.L3 = L3Config{
		FlushInterval:    v.GetDuration("l3.flush_interval"),
		FlushBatchSize:   v.GetInt("l3.flush_batch_size"),
		SnapshotInterval: v.GetDuration("l3.snapshot_interval"),
		PersistEnabled:   v.GetBool("l3.persist_enabled"),
	}

	cfg.DB = DBConfig{
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		DBName:   v.GetString("db.dbname"),
		SSLMode:  v.GetString("db.sslmode"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
		Enabled:  v.GetBool("redis.enabled"),
	}

	cfg.Venue = make(map[string]VenueConfig)
	for _, name := range append(append([]string(nil), cfg.Venues...), cfg.L3Venues...) {
		vc := VenueConfig{
			Depth:        v.GetInt("venue." + name + ".depth"),
			PollInterval: v.GetDuration("venue." + name + ".poll_interval"),
		}
		if vc.Depth <= 0 {
			vc.Depth = cfg.Heatmap.Depth
		}
		cfg.Venue[name] = vc
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
