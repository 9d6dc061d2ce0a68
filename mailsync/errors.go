package mailsync

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel failures shared across providers. Anything not covered here is
// wrapped as a TransientError and retried.
var (
	// ErrReauthRequired means the grant itself is dead. The connection is
	// marked revoked and only a user-driven reconnect can recover it.
	ErrReauthRequired = errors.New("mailbox authorization revoked, reconnect required")

	// ErrNotFound is returned when the remote side no longer has the message.
	ErrNotFound = errors.New("remote message not found")
)

// RateLimitedError signals the provider told us to back off. RetryAfter is
// the provider-supplied hint, or zero when the caller should use its own
// exponential default.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError wraps network/5xx failures that are safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient mailbox error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable unless it already carries a
// classification of its own.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) || errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether the pass should back off and try again.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// RetryDelay extracts the provider hint from a rate-limit error, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
