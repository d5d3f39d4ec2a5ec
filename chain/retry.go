package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"goxbridge/metrics"
	"goxbridge/types"
)

// RetryPolicy is the bounded retry budget applied to every connector call
type RetryPolicy struct {
	Retries      uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 10 * time.Second
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.Retries), ctx)
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"limit exceeded",
	"429",
	"502",
	"503",
	"504",
	"service unavailable",
	"bad gateway",
	"header not found",
	"no such host",
}

// IsTransient reports whether err is worth retrying: network failures, rate
// limits and overloaded nodes. Reverts and invalid transactions are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// budget is exhausted. Exhaustion is reported as ConnectorUnavailable.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	var last error
	err := backoff.Retry(func() error {
		var err error
		res, err = fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if !IsTransient(err) {
		return res, err
	}
	metrics.ConnectorErrors.WithLabelValues(op).Inc()
	return res, fmt.Errorf("%s: %w: %w", op, types.ErrConnectorUnavailable, last)
}
