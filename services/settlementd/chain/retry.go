package chain

import (
	"context"
	stderrors "errors"
	"strings"
	"time"
)

var retryablePatterns = []string{
	"too many requests",
	"connection error",
	"invalid json rpc response",
	"connection timeout",
	"maximum number of reconnect attempts reached",
	"connection failure",
	"connection reset",
	"i/o timeout",
	"429",
}

// IsRetryable reports whether err looks like a transient node or network
// failure rather than a definitive answer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retry runs fn up to attempts times, waiting backoff*n between tries, as
// long as the returned error is retryable.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		zero    T
		lastErr error
	)
	for i := 1; i <= attempts; i++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) || i == attempts {
			break
		}
		timer := time.NewTimer(backoff * time.Duration(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
