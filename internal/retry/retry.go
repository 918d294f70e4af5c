// Package retry runs gateway writes with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the number of retries and the spacing between attempts.
type Policy struct {
	Retries     int           // retries after the first attempt
	Initial     time.Duration // first backoff interval
	MaxInterval time.Duration
}

// DefaultPolicy is used when a component is given a zero Policy.
var DefaultPolicy = Policy{Retries: 3, Initial: 200 * time.Millisecond, MaxInterval: 2 * time.Second}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the retries are
// exhausted or ctx is done. It returns the last error and the attempt count.
func Do(ctx context.Context, p Policy, op func() error) (int, error) {
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultPolicy.MaxInterval
	}
	if p.Retries < 0 {
		p.Retries = 0
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op()
	}, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Retries)), ctx))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return attempts, err
}
