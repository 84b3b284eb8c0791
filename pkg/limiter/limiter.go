// Package limiter throttles transaction submissions per wallet and owner.
//
// Local keeps token buckets in process; Redis shares them across replicas.
// Both implement engine.Limiter.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: RPM tokens per minute, up to Burst at once.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process limiter keyed by arbitrary strings.
type Local struct {
	mu        sync.Mutex
	policy    Policy
	buckets   map[string]*bucket
	idle      time.Duration
	lastPrune time.Time
	clock     func() time.Time
}

// NewLocal creates a limiter. Buckets unused for three minutes are dropped.
func NewLocal(p Policy) *Local {
	return &Local{
		policy:  p,
		buckets: make(map[string]*bucket),
		idle:    3 * time.Minute,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Local) WithClock(clock func() time.Time) *Local {
	l.clock = clock
	return l
}

// Allow consumes one token for key.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if now.Sub(l.lastPrune) > time.Minute {
		l.prune(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.policy.perSecond()), l.policy.burst())}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Len returns the number of live buckets.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Local) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, k)
		}
	}
	l.lastPrune = now
}
