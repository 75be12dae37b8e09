package venue

import (
	"sync"
	"time"
)

// HealthConfig holds tunable parameters for the health Monitor.
type HealthConfig struct {
	// StaleThreshold is the maximum age of a book update before the feed
	// is considered stale. Default: 10s (DEX polls are slow).
	StaleThreshold time.Duration
}

// DefaultHealthConfig returns the standard staleness policy.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{StaleThreshold: 10 * time.Second}
}

// Monitor tracks data freshness per venue. The aggregator records each
// inbound update; readers ask whether a venue has gone quiet.
type Monitor struct {
	cfg HealthConfig

	mu   sync.RWMutex
	last map[string]time.Time

	nowFunc func() time.Time // injectable clock for testing
}

// NewMonitor creates a Monitor with the given policy.
func NewMonitor(cfg HealthConfig) *Monitor {
	return &Monitor{
		cfg:     cfg,
		last:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// RecordUpdate notes that venue produced data just now.
func (m *Monitor) RecordUpdate(venue string) {
	m.mu.Lock()
	m.last[venue] = m.nowFunc()
	m.mu.Unlock()
}

// Fresh reports whether venue delivered data within the stale threshold.
// A venue that never reported is not fresh.
func (m *Monitor) Fresh(venue string) bool {
	m.mu.RLock()
	ts, ok := m.last[venue]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.nowFunc().Sub(ts) <= m.cfg.StaleThreshold
}

// LastUpdate returns when venue last produced data, or the zero time.
func (m *Monitor) LastUpdate(venue string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[venue]
}
