package internal

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// NewBackOff returns the exponential backoff used to retry transient Stream
// Service and Table Store failures at the call site.
func NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()
	return b
}

// NewFixedBackOff returns a backoff that waits delay between attempts and
// gives up after retries attempts.
func NewFixedBackOff(delay time.Duration, retries int) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries))
}

// Transient reports whether err is worth retrying: AWS throttling and
// retryable request errors, or any error exposing Temporary() true.
func Transient(err error) bool {
	err = errors.Cause(err)
	if err == nil {
		return false
	}
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return true
	}
	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

// Retry calls fn until it succeeds, fails with a non-transient error, or b
// gives up. The last error is returned.
func Retry(ctx context.Context, b backoff.BackOff, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// Sleep blocks for d on clock or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
