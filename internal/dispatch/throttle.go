package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// throttle hands out one rate limiter per smtp account, shared by every
// campaign sending through that account. Refill is continuous rather than
// minute aligned.
type throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newThrottle() *throttle {
	return &throttle{limiters: map[string]*rate.Limiter{}}
}

func (t *throttle) limiter(accountID string, perMinute int) *rate.Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	limit := rate.Limit(float64(perMinute) / 60.0)

	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(limit, 1)
		t.limiters[accountID] = l
		return l
	}
	if l.Limit() != limit {
		l.SetLimit(limit)
	}
	return l
}

// Wait blocks until the account may submit its next message.
func (t *throttle) Wait(ctx context.Context, accountID string, perMinute int) error {
	return t.limiter(accountID, perMinute).Wait(ctx)
}
