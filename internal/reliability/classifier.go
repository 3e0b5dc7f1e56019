package reliability

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ErrFatal marks an adapter error as non-retryable regardless of its
// underlying cause. Stages wrap a failure with this to short-circuit retry
// loops (e.g. an auth rejection, a malformed request the caller controls).
var ErrFatal = errors.New("fatal adapter error")

// IsRetryableErr classifies a generic Go error returned by an upstream
// adapter call. Context cancellation/deadline and anything wrapping
// [ErrFatal] are never retried; everything else is treated as transient,
// matching the conservative default the teacher's classifier already uses
// for HTTP status codes and realtime message types.
func IsRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return false
	}
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// JitteredBackoff applies full jitter (0..d) to an exponential backoff
// duration, preventing correlated retries across sessions from stampeding a
// degraded upstream in lockstep (spec's per-adapter retry note).
func JitteredBackoff(attempt int, base, cap time.Duration) time.Duration {
	d := ExponentialBackoff(attempt, base, cap)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
