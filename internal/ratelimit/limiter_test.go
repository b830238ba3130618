package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// budgetOnlyConfig disables both cooldowns so only the concurrency and hourly gates apply.
func budgetOnlyConfig(maxConcurrent, perHour int) *RateLimitConfig {
	cfg := NewRateLimitConfig()
	cfg.Normal.CallerCooldown = 0
	cfg.Normal.GlobalCooldown = 0
	cfg.Normal.MaxConcurrent = maxConcurrent
	cfg.Normal.MaxCallsPerHour = perHour
	cfg.Emergency.CallerCooldown = 0
	cfg.Emergency.GlobalCooldown = 0
	cfg.Emergency.MaxConcurrent = 1
	cfg.Emergency.MaxCallsPerHour = 1
	return cfg
}

func TestNewLimiter(t *testing.T) {
	_, err := NewLimiter(nil)
	assert.Error(t, err)

	bad := NewRateLimitConfig()
	bad.Normal.MaxConcurrent = 0
	_, err = NewLimiter(bad)
	assert.Error(t, err)

	l, err := NewLimiter(NewRateLimitConfig())
	require.NoError(t, err)
	assert.Equal(t, 5, l.Thresholds().MaxConcurrent)
	assert.False(t, l.Emergency())
}

func TestLimiter_GateOrder(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(NewRateLimitConfig(), WithClock(clock.Now))
	require.NoError(t, err)

	first := l.TryAcquire("alice")
	require.True(t, first.Allowed)
	l.Release("alice")

	t.Run("per-caller cooldown wins first", func(t *testing.T) {
		clock.Advance(time.Second)
		d := l.TryAcquire("alice")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonCallerCooldown, d.Reason)
		assert.Equal(t, 119*time.Second, d.RetryAfter)
	})

	t.Run("global cooldown applies to other callers", func(t *testing.T) {
		d := l.TryAcquire("bob")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonGlobalCooldown, d.Reason)
		assert.Equal(t, 4*time.Second, d.RetryAfter)
	})

	t.Run("other caller passes after global cooldown", func(t *testing.T) {
		clock.Advance(4 * time.Second)
		d := l.TryAcquire("bob")
		assert.True(t, d.Allowed)
		l.Release("bob")
	})

	t.Run("original caller passes after its cooldown", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		d := l.TryAcquire("alice")
		assert.True(t, d.Allowed)
		l.Release("alice")
	})
}

func TestLimiter_ConcurrencyCap(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(budgetOnlyConfig(2, 100), WithClock(clock.Now))
	require.NoError(t, err)

	require.True(t, l.TryAcquire("a").Allowed)
	require.True(t, l.TryAcquire("b").Allowed)

	d := l.TryAcquire("c")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonConcurrency, d.Reason)
	assert.Equal(t, 2, l.Stats().ConcurrentInFlight)

	l.Release("a")
	assert.True(t, l.TryAcquire("c").Allowed)

	// release never drops below zero
	l.Release("b")
	l.Release("c")
	l.Release("c")
	assert.Equal(t, 0, l.Stats().ConcurrentInFlight)
}

func TestLimiter_HourlyBudget(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(budgetOnlyConfig(5, 3), WithClock(clock.Now))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d := l.TryAcquire("alice")
		require.True(t, d.Allowed, "call %d", i)
		l.Release("alice")
		clock.Advance(10 * time.Minute)
	}

	d := l.TryAcquire("alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourlyLimit, d.Reason)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	stats := l.Stats()
	assert.Equal(t, 3, stats.HourlyUsage)
	assert.Equal(t, int64(1), stats.RateLimitHits)

	// release does not refund the budget
	l.Release("alice")
	assert.False(t, l.TryAcquire("alice").Allowed)

	// the window rolls on the first check after expiry
	clock.Advance(30 * time.Minute)
	d = l.TryAcquire("alice")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, l.Stats().HourlyUsage)
}

func TestLimiter_HourlyBudgetProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("first maxCallsPerHour calls pass, the next is hourly_limit_exceeded", prop.ForAll(
		func(limit int) bool {
			clock := newFakeClock()
			l, err := NewLimiter(budgetOnlyConfig(5, limit), WithClock(clock.Now))
			if err != nil {
				return false
			}
			for i := 0; i < limit; i++ {
				if !l.TryAcquire("same-caller").Allowed {
					return false
				}
				l.Release("same-caller")
				clock.Advance(time.Second)
			}
			d := l.TryAcquire("same-caller")
			return !d.Allowed && d.Reason == ReasonHourlyLimit
		},
		gen.IntRange(1, 150),
	))

	properties.TestingRun(t)
}

func TestLimiter_EmergencyModeSwapsThresholds(t *testing.T) {
	clock := newFakeClock()
	cfg := budgetOnlyConfig(5, 100)
	l, err := NewLimiter(cfg, WithClock(clock.Now))
	require.NoError(t, err)

	l.SetEmergency(true)
	assert.True(t, l.Emergency())
	assert.Equal(t, cfg.Emergency, l.Thresholds())

	require.True(t, l.TryAcquire("a").Allowed)
	d := l.TryAcquire("b")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonConcurrency, d.Reason)

	l.SetEmergency(false)
	assert.Equal(t, cfg.Normal, l.Thresholds())
	assert.True(t, l.TryAcquire("b").Allowed)
}

func TestLimiter_StatsAndCacheHits(t *testing.T) {
	l, err := NewLimiter(budgetOnlyConfig(5, 100))
	require.NoError(t, err)

	assert.Equal(t, 1.0, l.Stats().CacheHitRate())

	l.RecordCacheHit()
	l.RecordCacheHit()
	require.True(t, l.TryAcquire("x").Allowed)
	l.Release("x")

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.CacheHits)
	assert.InDelta(t, 2.0/3.0, stats.CacheHitRate(), 0.0001)
}

// Concurrent callers must never exceed the concurrency cap or the hourly budget.
func TestLimiter_ConcurrentAcquire(t *testing.T) {
	l, err := NewLimiter(budgetOnlyConfig(3, 50))
	require.NoError(t, err)

	var allowed, peak, current int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := l.TryAcquire("shared")
			if !d.Allowed {
				return
			}
			atomic.AddInt64(&allowed, 1)
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
			l.Release("shared")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.LessOrEqual(t, atomic.LoadInt64(&allowed), int64(50))
	assert.Equal(t, 0, l.Stats().ConcurrentInFlight)
}
