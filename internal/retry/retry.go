// Package retry implements bounded exponential backoff for outbound provider
// calls. Only failures the caller classifies as transient are retried; all
// other errors surface immediately.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop. Delay for retry i is min(Cap, Base<<i) with
// equal jitter, so waits land in [d/2, d).
type Policy struct {
	// MaxRetries is how many times a transient failure is retried after the
	// first attempt.
	MaxRetries int

	Base time.Duration
	Cap  time.Duration

	// OnRetry, when set, observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ProviderDefaults is the policy for LLM, embedding and payment calls:
// at most two retries, 1s base, 16s cap.
var ProviderDefaults = Policy{
	MaxRetries: 2,
	Base:       time.Second,
	Cap:        16 * time.Second,
}

// Delay computes the backoff before retry i (zero-based).
func (p Policy) Delay(i int) time.Duration {
	d := p.Base
	if i > 0 {
		if i > 30 {
			i = 30
		}
		d = p.Base << i
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

// Do runs attempt until it succeeds, fails non-transiently, exhausts the
// policy, or the context ends.
func Do(ctx context.Context, p Policy, transient func(error) bool, attempt func(context.Context) error) error {
	var lastErr error
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) || i >= p.MaxRetries {
			return lastErr
		}

		delay := p.Delay(i)
		if p.OnRetry != nil {
			p.OnRetry(i+1, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
}

// Value is Do for attempts that produce a result.
func Value[T any](ctx context.Context, p Policy, transient func(error) bool, attempt func(context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, transient, func(ctx context.Context) error {
		var attemptErr error
		result, attemptErr = attempt(ctx)
		return attemptErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// TransientHTTPStatus reports whether an HTTP status is worth retrying:
// rate limiting and server-side failures.
func TransientHTTPStatus(code int) bool {
	return code == 429 || code >= 500
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
