// Package retry re-runs operations that failed with transient errors.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qiniu/alarmflow/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// MaxRetries is the number of retries after the first attempt.
const MaxRetries = 3

// Policy shapes the exponential schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries uint64
}

// Default waits 100ms, 200ms, 400ms (with jitter) between attempts.
var Default = Policy{Initial: 100 * time.Millisecond, Max: 2 * time.Second, MaxRetries: MaxRetries}

// NoWait retries immediately. Used by tests.
var NoWait = Policy{MaxRetries: MaxRetries}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Initial <= 0 {
		b = &backoff.ZeroBackOff{}
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Initial
		exp.MaxInterval = p.Max
		exp.MaxElapsedTime = 0
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do runs fn, retrying while it returns transient errors. Other errors return at once.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !model.IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient error, retrying")
		return err
	}, p.backOff(ctx))
	return err
}

// Do runs fn under the Default policy.
func Do(ctx context.Context, op string, fn func() error) error {
	return Default.Do(ctx, op, fn)
}
