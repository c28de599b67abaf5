// Package ratelimit throttles inbound frames per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled continuously at rate tokens per second
// up to burst.
type Limiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// NewLimiter returns a full bucket.
func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      float64(burst),
		now:        now,
		tokens:     float64(burst),
		lastUpdate: now(),
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens if all of them are available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	l.lastUpdate = now
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens < float64(n) {
		return false
	}
	l.tokens -= float64(n)
	return true
}

// Verdict is the outcome of Guard.Check.
type Verdict int

const (
	// Allow means the frame may be processed.
	Allow Verdict = iota
	// Drop means the frame is over the limit.
	Drop
	// Warn is a Drop that should also be logged.
	Warn
	// Disconnect means the connection exceeded the violation budget.
	Disconnect
)

// Policy configures a Guard.
type Policy struct {
	Rate  float64
	Burst int
	// WarnEvery logs one in every WarnEvery violations, starting with the first.
	WarnEvery int
	// MaxViolations closes the connection once exceeded.
	MaxViolations int
}

// DefaultPolicy is applied to document connections.
var DefaultPolicy = Policy{Rate: 100, Burst: 200, WarnEvery: 100, MaxViolations: 1000}

// Guard applies a Policy to one connection. It is not safe for concurrent
// use; the read loop of the connection owns it.
type Guard struct {
	policy     Policy
	limiter    *Limiter
	violations int
}

// NewGuard returns a guard with a full bucket.
func NewGuard(p Policy) *Guard {
	return newGuard(p, time.Now)
}

func newGuard(p Policy, now func() time.Time) *Guard {
	return &Guard{policy: p, limiter: newLimiter(p.Rate, p.Burst, now)}
}

// Check admits one frame.
func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Allow
	}
	g.violations++
	if g.policy.MaxViolations > 0 && g.violations > g.policy.MaxViolations {
		return Disconnect
	}
	if g.policy.WarnEvery > 0 && (g.violations-1)%g.policy.WarnEvery == 0 {
		return Warn
	}
	return Drop
}

// Violations returns the number of frames rejected so far.
func (g *Guard) Violations() int {
	return g.violations
}
