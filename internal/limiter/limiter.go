// Package limiter holds one token bucket per cloud provider so that
// listing and metric calls to the same API share a budget.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// Limit is the budget of one provider.
type Limit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Limiter is a set of per-provider rate limiters. Providers without a
// configured limit are not throttled. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limits   map[resource.Provider]Limit
	limiters map[resource.Provider]*rate.Limiter
}

// New creates a Limiter from per-provider limits.
func New(limits map[resource.Provider]Limit) *Limiter {
	return &Limiter{
		limits:   limits,
		limiters: make(map[resource.Provider]*rate.Limiter, len(limits)),
	}
}

// Wait blocks until provider may make one call or ctx is done.
func (l *Limiter) Wait(ctx context.Context, provider resource.Provider) error {
	rl := l.get(provider)
	if rl == nil {
		return ctx.Err()
	}
	return rl.Wait(ctx)
}

func (l *Limiter) get(provider resource.Provider) *rate.Limiter {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if rl, ok := l.limiters[provider]; ok {
		return rl
	}
	lim, ok := l.limits[provider]
	if !ok || lim.RPS <= 0 {
		return nil
	}
	burst := lim.Burst
	if burst < 1 {
		burst = 1
	}
	rl := rate.NewLimiter(rate.Limit(lim.RPS), burst)
	l.limiters[provider] = rl
	return rl
}
