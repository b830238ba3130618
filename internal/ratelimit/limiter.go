package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Reason names the gate that rejected an acquisition.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonCallerCooldown Reason = "caller_cooldown"
	ReasonGlobalCooldown Reason = "global_cooldown"
	ReasonConcurrency    Reason = "concurrency_limit"
	ReasonHourlyLimit    Reason = "hourly_limit_exceeded"
)

// concurrencyRetryHint is suggested when all slots are busy; slots free up on Release.
const concurrencyRetryHint = time.Second

// pruneThreshold bounds the per-caller map before stale entries are dropped.
const pruneThreshold = 10000

// Decision is the result of TryAcquire.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Stats is a point-in-time snapshot of limiter counters.
// TotalRequests counts every data request seen: acquisitions attempted plus cache hits.
type Stats struct {
	TotalRequests      int64         `json:"totalRequests"`
	CacheHits          int64         `json:"cacheHits"`
	RateLimitHits      int64         `json:"rateLimitHits"`
	HourlyUsage        int           `json:"hourlyUsage"`
	HourlyLimit        int           `json:"hourlyLimit"`
	ConcurrentInFlight int           `json:"concurrentInFlight"`
	Emergency          bool          `json:"emergency"`
	WindowResetsIn     time.Duration `json:"windowResetsIn"`
}

// CacheHitRate returns hits over total requests, or 1 when nothing was requested yet.
func (s Stats) CacheHitRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.CacheHits) / float64(s.TotalRequests)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter arbitrates outbound provider calls with four ordered gates:
// per-caller cooldown, global cooldown, concurrency cap and a rolling hourly budget.
// All state lives in the instance and is reset on restart.
type Limiter struct {
	mu  sync.Mutex
	now func() time.Time

	cfg       *RateLimitConfig
	active    Thresholds
	emergency bool

	lastRequest map[string]time.Time
	lastGlobal  time.Time
	inFlight    int
	windowStart time.Time
	windowCalls int

	totalRequests int64
	cacheHits     int64
	rateLimitHits int64
}

// NewLimiter creates a limiter using cfg's normal thresholds.
func NewLimiter(cfg *RateLimitConfig, opts ...Option) (*Limiter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		now:         time.Now,
		cfg:         cfg,
		active:      cfg.Normal,
		lastRequest: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TryAcquire checks all gates and, if every gate passes, claims a slot for callerID.
// The check and the claim happen under one lock. Every allowed decision must be paired
// with exactly one Release.
func (l *Limiter) TryAcquire(callerID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.totalRequests++
	t := l.active

	if last, ok := l.lastRequest[callerID]; ok {
		if elapsed := now.Sub(last); elapsed < t.CallerCooldown {
			return l.deny(ReasonCallerCooldown, t.CallerCooldown-elapsed)
		}
	}

	if !l.lastGlobal.IsZero() {
		if elapsed := now.Sub(l.lastGlobal); elapsed < t.GlobalCooldown {
			return l.deny(ReasonGlobalCooldown, t.GlobalCooldown-elapsed)
		}
	}

	if l.inFlight >= t.MaxConcurrent {
		return l.deny(ReasonConcurrency, concurrencyRetryHint)
	}

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= t.Window {
		l.windowStart = now
		l.windowCalls = 0
	}
	if l.windowCalls >= t.MaxCallsPerHour {
		return l.deny(ReasonHourlyLimit, l.windowStart.Add(t.Window).Sub(now))
	}

	l.lastRequest[callerID] = now
	l.lastGlobal = now
	l.inFlight++
	l.windowCalls++

	if len(l.lastRequest) > pruneThreshold {
		l.pruneLocked(now)
	}

	return Decision{Allowed: true}
}

func (l *Limiter) deny(reason Reason, retryAfter time.Duration) Decision {
	l.rateLimitHits++
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// pruneLocked drops callers whose cooldown has long expired.
func (l *Limiter) pruneLocked(now time.Time) {
	for caller, last := range l.lastRequest {
		if now.Sub(last) >= l.active.CallerCooldown {
			delete(l.lastRequest, caller)
		}
	}
}

// Release returns the concurrency slot claimed by an allowed TryAcquire.
// The hourly budget is not refunded.
func (l *Limiter) Release(callerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// RecordCacheHit counts a request answered from cache without a provider call.
func (l *Limiter) RecordCacheHit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.totalRequests++
	l.cacheHits++
}

// SetEmergency swaps the active thresholds between the normal and emergency sets.
func (l *Limiter) SetEmergency(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.emergency = on
	if on {
		l.active = l.cfg.Emergency
	} else {
		l.active = l.cfg.Normal
	}
}

// Emergency reports whether emergency thresholds are active.
func (l *Limiter) Emergency() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergency
}

// Thresholds returns the active gate limits.
func (l *Limiter) Thresholds() Thresholds {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	usage := l.windowCalls
	resetsIn := time.Duration(0)
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.active.Window {
		usage = 0
	} else {
		resetsIn = l.windowStart.Add(l.active.Window).Sub(now)
	}

	return Stats{
		TotalRequests:      l.totalRequests,
		CacheHits:          l.cacheHits,
		RateLimitHits:      l.rateLimitHits,
		HourlyUsage:        usage,
		HourlyLimit:        l.active.MaxCallsPerHour,
		ConcurrentInFlight: l.inFlight,
		Emergency:          l.emergency,
		WindowResetsIn:     resetsIn,
	}
}
