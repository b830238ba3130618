package service

import (
	"sync"

	"github.com/roi-ledger/internal/ratelimit"
)

// admission claims at most one limiter slot for a whole query, on first need. Chains of a
// multi-chain query share it, so the per-caller cooldown never denies the query's own fan-out.
type admission struct {
	limiter  *ratelimit.Limiter
	callerID string

	once     sync.Once
	decision ratelimit.Decision
}

func newAdmission(limiter *ratelimit.Limiter, callerID string) *admission {
	return &admission{limiter: limiter, callerID: callerID}
}

// acquire returns the query's decision, calling TryAcquire only the first time.
func (a *admission) acquire() ratelimit.Decision {
	a.once.Do(func() {
		a.decision = a.limiter.TryAcquire(a.callerID)
	})
	return a.decision
}

// release returns the slot if one was claimed. No slot can be claimed afterwards.
func (a *admission) release() {
	a.once.Do(func() {})
	if a.decision.Allowed {
		a.limiter.Release(a.callerID)
	}
}
