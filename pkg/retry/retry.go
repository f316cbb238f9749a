// Package retry wraps calls to external collaborators in a bounded
// exponential backoff that only retries transient failures.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pathfinder/pathfinder/pkg/config"
)

type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy is three attempts waiting 2s then 4s, never more than 10s.
var DefaultPolicy = Policy{Attempts: 3, Initial: 2 * time.Second, Max: 10 * time.Second, Multiplier: 2}

func FromConfig(cfg config.DispatchConfig) Policy {
	p := DefaultPolicy
	if cfg.RetryAttempts > 0 {
		p.Attempts = cfg.RetryAttempts
	}
	if cfg.RetryInitial > 0 {
		p.Initial = cfg.RetryInitial
	}
	if cfg.RetryMax > 0 {
		p.Max = cfg.RetryMax
	}
	return p
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-transient error, the attempts
// are spent, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify ...func(err error, wait time.Duration)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.WithMaxRetries(p.exponential(), uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if len(notify) > 0 && notify[0] != nil {
		onRetry = notify[0]
	}
	return backoff.RetryNotify(operation, b, onRetry)
}

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as eligible for retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a network failure, a timeout or was
// explicitly marked with Transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
