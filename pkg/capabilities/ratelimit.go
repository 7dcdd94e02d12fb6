package capabilities

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// RateLimited throttles calls to an adapter. Time spent waiting for a token
// counts against the caller's deadline.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of perSecond calls and the
// given burst.
func NewRateLimited(next Adapter, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Invoke waits for a token and then calls the wrapped adapter.
func (r *RateLimited) Invoke(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, lrerrors.NewStageError(lrerrors.ErrTimeout, "stage deadline reached waiting for rate limiter", err)
	}
	return r.next.Invoke(ctx, stage, p)
}

var _ Adapter = (*RateLimited)(nil)
