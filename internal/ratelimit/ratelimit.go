// Package ratelimit throttles outbound calls per provider. A provider
// configured for N calls/second never receives more than N dispatches in any
// rolling one-second window, regardless of caller concurrency; excess calls
// queue on the limiter and release in order.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per provider name.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// New creates an empty Limiter. Providers without a configured rate pass
// through unthrottled.
func New() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// SetRate configures the calls-per-second cap for a provider. A rps <= 0
// removes the cap.
func (l *Limiter) SetRate(provider string, rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rps <= 0 {
		delete(l.limiters, provider)
		return
	}
	// Burst of 1 keeps dispatches evenly spaced instead of front-loading
	// the window.
	l.limiters[provider] = rate.NewLimiter(rate.Limit(rps), 1)
}

func (l *Limiter) limiter(provider string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiters[provider]
}

// Do waits for the provider's rate budget and then invokes fn. Errors from fn
// propagate unchanged; the limiter itself never swallows them. A cancelled
// context aborts the wait.
func (l *Limiter) Do(ctx context.Context, provider string, fn func() error) error {
	if lim := l.limiter(provider); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return fn()
}
