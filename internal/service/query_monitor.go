package service

import (
	"sort"
	"sync"
	"time"
)

const defaultMonitorSamples = 1000

// QueryMonitor tracks query latency split by whether the answer came from cache
type QueryMonitor struct {
	mu           sync.RWMutex
	cachedTimes  []time.Duration
	fetchedTimes []time.Duration
	cacheHits    int64
	cacheMisses  int64
	slowQueries  int64
	degraded     int64
	totalQueries int64
	maxSamples   int
	slow         time.Duration
}

// NewQueryMonitor creates a monitor. Queries slower than slow are counted separately.
func NewQueryMonitor(slow time.Duration) *QueryMonitor {
	if slow <= 0 {
		slow = 2 * time.Second
	}
	return &QueryMonitor{
		cachedTimes:  make([]time.Duration, 0, defaultMonitorSamples),
		fetchedTimes: make([]time.Duration, 0, defaultMonitorSamples),
		maxSamples:   defaultMonitorSamples,
		slow:         slow,
	}
}

// Record adds one query. degraded marks answers that carried warnings.
func (m *QueryMonitor) Record(duration time.Duration, cached, degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	if cached {
		m.cacheHits++
		m.cachedTimes = appendSample(m.cachedTimes, duration, m.maxSamples)
	} else {
		m.cacheMisses++
		m.fetchedTimes = appendSample(m.fetchedTimes, duration, m.maxSamples)
	}
	if degraded {
		m.degraded++
	}
	if duration > m.slow {
		m.slowQueries++
	}
}

func appendSample(samples []time.Duration, d time.Duration, max int) []time.Duration {
	samples = append(samples, d)
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

// Stats returns the current counters and latency percentiles
func (m *QueryMonitor) Stats() QueryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := QueryStats{
		TotalQueries:    m.totalQueries,
		CacheHits:       m.cacheHits,
		CacheMisses:     m.cacheMisses,
		SlowQueries:     m.slowQueries,
		DegradedQueries: m.degraded,
	}
	if m.totalQueries > 0 {
		stats.CacheHitRate = float64(m.cacheHits) / float64(m.totalQueries)
	}
	stats.AvgCachedMs = averageMs(m.cachedTimes)
	stats.AvgFetchedMs = averageMs(m.fetchedTimes)
	stats.P95FetchedMs = percentileMs(m.fetchedTimes, 0.95)
	return stats
}

// Reset clears all samples and counters
func (m *QueryMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cachedTimes = make([]time.Duration, 0, m.maxSamples)
	m.fetchedTimes = make([]time.Duration, 0, m.maxSamples)
	m.cacheHits = 0
	m.cacheMisses = 0
	m.slowQueries = 0
	m.degraded = 0
	m.totalQueries = 0
}

// QueryStats is reported by /stats
type QueryStats struct {
	TotalQueries    int64   `json:"totalQueries"`
	CacheHits       int64   `json:"cacheHits"`
	CacheMisses     int64   `json:"cacheMisses"`
	SlowQueries     int64   `json:"slowQueries"`
	DegradedQueries int64   `json:"degradedQueries"`
	CacheHitRate    float64 `json:"cacheHitRate"`
	AvgCachedMs     float64 `json:"avgCachedMs"`
	AvgFetchedMs    float64 `json:"avgFetchedMs"`
	P95FetchedMs    float64 `json:"p95FetchedMs"`
}

func averageMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(samples))
}

func percentileMs(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Milliseconds())
}
