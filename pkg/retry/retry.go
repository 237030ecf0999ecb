package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "herald/pkg/errors"
)

// Backoff configures in-process retries of a single operation, such as a publish at admission
// or a dead letter deposit.
type Backoff struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  10 * time.Second,
	}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) IsFatal() bool { return true }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err so that Do stops retrying immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Do runs fn until it succeeds, returns a fatal error, the attempts are exhausted or ctx is done.
// onRetry, when set, is called after every failed attempt that will be retried. A zero Backoff
// means DefaultBackoff.
func Do(ctx context.Context, b Backoff, fn func(ctx context.Context) error, onRetry func(attempt int, err error, next time.Duration)) error {
	if b == (Backoff{}) {
		b = DefaultBackoff()
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			exponentialBackoff(b.InitialInterval, b.MaxInterval, b.MaxElapsedTime, b.Multiplier),
			uint64(b.MaxAttempts-1),
		),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err, next)
		}
	}

	err := backoff.RetryNotify(operation, bo, notify)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
