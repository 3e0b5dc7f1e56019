package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestJitteredBackoffStaysWithinBounds(t *testing.T) {
	base := 50 * time.Millisecond
	capDur := 400 * time.Millisecond
	for attempt := 0; attempt < 6; attempt++ {
		ceiling := ExponentialBackoff(attempt, base, capDur)
		for i := 0; i < 20; i++ {
			got := JitteredBackoff(attempt, base, capDur)
			if got < 0 || got > ceiling {
				t.Fatalf("JitteredBackoff(%d) = %v, want in [0, %v]", attempt, got, ceiling)
			}
		}
	}
}

func TestIsRetryableErr(t *testing.T) {
	if IsRetryableErr(nil) {
		t.Fatalf("nil error should not be retryable")
	}
	if IsRetryableErr(context.Canceled) {
		t.Fatalf("context.Canceled should not be retryable")
	}
	if IsRetryableErr(context.DeadlineExceeded) {
		t.Fatalf("context.DeadlineExceeded should not be retryable")
	}
	if IsRetryableErr(fmt.Errorf("rejected: %w", ErrFatal)) {
		t.Fatalf("wrapped ErrFatal should not be retryable")
	}
	if !IsRetryableErr(errors.New("connection reset")) {
		t.Fatalf("generic transient error should be retryable")
	}
}
