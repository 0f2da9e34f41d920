package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out calls to an external API so that consecutive calls are
// at least interval apart. The first call passes immediately.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a Pacer allowing one call per interval. A non-positive
// interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next call is allowed or the context is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
