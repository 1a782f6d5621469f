// Package retry wraps cenkalti/backoff with the collector's retry contract:
// exponential backoff with jitter, initial 2 s, factor 2, cap 60 s, up to 3
// attempts, and retries only for errors classified transient.
package retry

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/logging"
)

const (
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 60 * time.Second
	defaultMaxAttempts     = 3
)

// Policy builds backoff instances for Do. The zero value uses the defaults.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint64
	Logger          logging.Logger
}

func (p Policy) withDefaults() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	p.Logger = logging.OrNop(p.Logger)
	return p
}

func (p Policy) build(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts-1), ctx)
}

// Do runs op under the policy. Non-transient errors abort immediately and are
// returned as-is; transient errors are retried until attempts are exhausted.
func Do(ctx context.Context, policy Policy, name string, op func() error) error {
	p := policy.withDefaults()
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !agenterrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		p.Logger.Warn("%s attempt %d failed, will retry: %v", name, attempt, err)
		return err
	}
	return backoff.Retry(wrapped, p.build(ctx))
}
