// Package rategovernor enforces external API quota budgets. Each quota
// scope holds an independent token bucket refilled at the provider's
// published rate; callers acquire capacity before every provider request.
package rategovernor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/models"
)

// Governor implements the RateGovernor interface with one rate.Limiter per
// configured scope. It knows nothing about inbound client throttling.
type Governor struct {
	logger *common.Logger

	mu     sync.RWMutex
	scopes map[string]*scopeBucket
}

type scopeBucket struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewGovernor builds buckets from the configured quota budgets.
func NewGovernor(logger *common.Logger, quotas []common.QuotaConfig) *Governor {
	g := &Governor{
		logger: logger,
		scopes: make(map[string]*scopeBucket, len(quotas)),
	}
	for _, q := range quotas {
		if q.Scope == "" || q.PerSec <= 0 {
			continue
		}
		burst := q.Burst
		if burst < 1 {
			burst = 1
		}
		g.scopes[q.Scope] = &scopeBucket{
			limiter: rate.NewLimiter(rate.Limit(q.PerSec), burst),
			maxWait: q.GetMaxWait(),
		}
	}
	return g
}

// Acquire consumes cost units from the scope's bucket, waiting up to the
// scope's bounded maximum. Returns models.ErrRateLimited when capacity is
// still unavailable at the deadline. Scopes without a configured budget
// pass through unthrottled.
func (g *Governor) Acquire(ctx context.Context, scope string, cost int) error {
	g.mu.RLock()
	bucket, ok := g.scopes[scope]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	if cost < 1 {
		cost = 1
	}

	waitCtx, cancel := context.WithTimeout(ctx, bucket.maxWait)
	defer cancel()

	// WaitN fails fast when the required wait would overrun the deadline,
	// so a refused acquire does not actually block for maxWait.
	if err := bucket.limiter.WaitN(waitCtx, cost); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("quota wait aborted: %w", ctx.Err())
		}
		g.logger.Warn().Str("scope", scope).Int("cost", cost).Msg("Quota scope exhausted past bounded wait")
		return fmt.Errorf("scope '%s': %w", scope, models.ErrRateLimited)
	}
	return nil
}
