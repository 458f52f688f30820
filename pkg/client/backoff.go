package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bft-labs/fedship/pkg/log"
)

// newBackoff builds the retry schedule: exponential from initial up to max
// with ±20% jitter, at most attempts-1 retries, abandoned when ctx ends.
func newBackoff(ctx context.Context, attempts int, initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry runs fn until it succeeds, fails permanently, or attempts run out.
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	run := func() error {
		attempt++
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed; retrying",
			log.String("op", op), log.Int("attempt", attempt),
			log.Duration("wait", wait), log.Err(err))
	}
	return backoff.RetryNotify(run, newBackoff(ctx, c.attempts, c.initialBackoff, c.maxBackoff), notify)
}
