package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roi-ledger/internal/logging"
)

// HealthMonitor periodically logs limiter stats and toggles emergency mode when the
// cache-hit rate over the last interval falls below the configured target.
type HealthMonitor struct {
	limiter  *Limiter
	interval time.Duration
	target   float64
	minSamp  int64
	logger   *logging.Logger

	mu       sync.Mutex
	lastSeen Stats

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor creates a monitor for limiter using cfg's monitor settings.
func NewHealthMonitor(limiter *Limiter, cfg *RateLimitConfig, logger *logging.Logger) (*HealthMonitor, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &HealthMonitor{
		limiter:  limiter,
		interval: cfg.MonitorInterval,
		target:   float64(cfg.TargetCacheHitPercent) / 100,
		minSamp:  int64(cfg.MinSamples),
		logger:   logger.WithField("component", "ratelimit_monitor"),
		lastSeen: limiter.Stats(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the monitor loop in a background goroutine until Stop or ctx is done.
func (m *HealthMonitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops the loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

// Evaluate inspects the requests seen since the previous evaluation and switches
// emergency mode on or off. It returns whether emergency mode is active afterwards.
func (m *HealthMonitor) Evaluate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.limiter.Stats()
	requests := stats.TotalRequests - m.lastSeen.TotalRequests
	hits := stats.CacheHits - m.lastSeen.CacheHits
	m.lastSeen = stats

	m.logger.WithFields(logging.Fields{
		"total_requests":  stats.TotalRequests,
		"cache_hits":      stats.CacheHits,
		"rate_limit_hits": stats.RateLimitHits,
		"hourly_usage":    stats.HourlyUsage,
		"hourly_limit":    stats.HourlyLimit,
		"in_flight":       stats.ConcurrentInFlight,
		"emergency":       stats.Emergency,
	}).Info("provider rate limit summary")

	if requests < m.minSamp {
		return stats.Emergency
	}

	rate := float64(hits) / float64(requests)
	switch {
	case rate < m.target && !stats.Emergency:
		m.limiter.SetEmergency(true)
		m.logger.WithFields(logging.Fields{
			"cache_hit_rate": fmt.Sprintf("%.2f", rate),
			"target":         fmt.Sprintf("%.2f", m.target),
		}).Warn("cache hit rate below target, enabling emergency thresholds")
		return true
	case rate >= m.target && stats.Emergency:
		m.limiter.SetEmergency(false)
		m.logger.WithField("cache_hit_rate", fmt.Sprintf("%.2f", rate)).
			Info("cache hit rate recovered, restoring normal thresholds")
		return false
	}
	return stats.Emergency
}
