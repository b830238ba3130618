package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roi-ledger/internal/types"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *testClock) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCircuitBreaker("etherscan", Config{Threshold: threshold, Timeout: time.Minute}, clock.Now), clock
}

func TestCircuitBreaker_OpensOnConsecutiveTransientFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	cb.Record(types.ErrorKindTransient)
	cb.Record(types.ErrorKindTransient)
	cb.Record(types.ErrorKindNone)
	cb.Record(types.ErrorKindTransient)
	cb.Record(types.ErrorKindTransient)
	assert.Equal(t, StateClosed, cb.GetState(), "success resets the streak")

	cb.Record(types.ErrorKindTransient)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_IgnoresNonTransientKinds(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.Record(types.ErrorKindAuth)
	cb.Record(types.ErrorKindUnsupportedChain)
	cb.Record(types.ErrorKindRateLimited)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1)
	cb.Record(types.ErrorKindTransient)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(59 * time.Second)
	assert.False(t, cb.Allow())

	clock.Advance(time.Second)
	assert.True(t, cb.Allow(), "first call after timeout is the probe")
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.False(t, cb.Allow(), "only one probe at a time")

	cb.Record(types.ErrorKindTransient)
	assert.Equal(t, StateOpen, cb.GetState())

	clock.Advance(time.Minute)
	require.True(t, cb.Allow())
	cb.Record(types.ErrorKindNotFound)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.Allow())
}

func TestManager_OneBreakerPerSource(t *testing.T) {
	m := NewManager(Config{Threshold: 1, Timeout: time.Minute}, nil)
	a := m.For("moralis")
	assert.Same(t, a, m.For("moralis"))

	a.Record(types.ErrorKindTransient)
	assert.False(t, a.Allow())
	assert.True(t, m.For("dune").Allow())

	stats := m.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateOpen, stats["moralis"].State)
	assert.Equal(t, 1, stats["moralis"].TotalFailures)

	a.Reset()
	assert.True(t, a.Allow())
}
