// Package recovery classifies MongoDB errors and retries transient failures at the call site.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/mongo"
)

// Policy bounds retries of one call: Attempts total tries, Interval between them.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Attempts of 1 means no retry.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1)),
		ctx,
	)
}

// Retry runs fn until it succeeds, returns a non-transient error, or the policy is exhausted.
// op names the call in retry logs.
func Retry(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() error) error {
	_, err := RetryValue(ctx, p, logger, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is Retry for calls that return a value.
func RetryValue[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "transient error, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", p.Attempts,
			"wait", wait,
			"error", err,
		)
	}
	v, err := backoff.RetryNotifyWithData(wrapped, p.backOff(ctx), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return v, perm.Err
	}
	return v, err
}

// IsTransient reports whether err is worth retrying: network and timeout failures
// from the driver, or messages known to come from dropped connections.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")) {
		return true
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Name {
		case "NotWritablePrimary", "NotPrimaryNoSecondaryOk", "InterruptedDueToReplStateChange",
			"PrimarySteppedDown", "ShutdownInProgress", "HostUnreachable", "HostNotFound",
			"NetworkTimeout", "SocketException", "ExceededTimeLimit":
			return true
		}
	}
	return matchesAny(err.Error(),
		"connection reset",
		"connection refused",
		"broken pipe",
		"EOF",
		"timeout",
		"network",
		"temporary failure",
		"server selection error",
	)
}

func matchesAny(s string, patterns ...string) bool {
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
