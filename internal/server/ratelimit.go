package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 3 * time.Minute
	limiterPruneInterval = time.Minute
)

type claimant struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// claimLimiter throttles claim attempts per claimant.
type claimLimiter struct {
	mu         sync.Mutex
	claimants  map[string]*claimant
	perSecond  rate.Limit
	burst      int
	clock      func() time.Time
	lastPruned time.Time
}

func newClaimLimiter(perSecond float64, burst int, clock func() time.Time) *claimLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &claimLimiter{
		claimants: make(map[string]*claimant),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		clock:     clock,
	}
}

// allow reports whether the key may make another attempt now. A nil limiter allows everything.
func (l *claimLimiter) allow(key string) bool {
	if l == nil || l.perSecond <= 0 || l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if now.Sub(l.lastPruned) >= limiterPruneInterval {
		for candidate, entry := range l.claimants {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.claimants, candidate)
			}
		}
		l.lastPruned = now
	}

	entry, exists := l.claimants[key]
	if !exists {
		entry = &claimant{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.claimants[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *claimLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claimants)
}
