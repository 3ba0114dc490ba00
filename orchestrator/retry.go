package orchestrator

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/tuhlaus/pkg/resource"
)

// callWithRetry runs call under the provider's rate limit with a
// per-attempt timeout, retrying transient errors with exponential
// backoff. The last result is returned with the error so that partial
// listings survive a failure.
func callWithRetry[T any](ctx context.Context, o *Orchestrator, provider resource.Provider, call func(context.Context) (T, error)) (T, error) {
	var last T

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.Retry.InitialInterval
	b.MaxInterval = o.cfg.Retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := o.cfg.Limiter.Wait(ctx, provider); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.Retry.CallTimeout)
		defer cancel()

		res, err := call(callCtx)
		last = res
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = resource.Transient(err)
		}
		if !resource.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.Retry.MaxAttempts)),
	)
	return last, err
}
