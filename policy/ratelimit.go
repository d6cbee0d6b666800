package policy

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter meters request payloads per untrusted view. Privileged views are
// exempt; a nil limiter or a non-positive rate disables metering entirely.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[uint64]*rate.Limiter),
		perSec:   rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the view may submit another payload now.
func (l *RateLimiter) Allow(view View) bool {
	if l == nil || view.Privileged() {
		return true
	}
	return l.obtain(view.ID()).Allow()
}

// Release drops the view's bucket once the view goes away.
func (l *RateLimiter) Release(viewID uint64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, viewID)
}

func (l *RateLimiter) obtain(viewID uint64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[viewID]
	if !ok {
		limiter = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[viewID] = limiter
	}
	return limiter
}
