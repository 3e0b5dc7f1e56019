package generation

import (
	"context"
	"time"

	"github.com/antoniostano/twincore/internal/reliability"
)

// RetryingProvider wraps a Provider with the retry/circuit-breaker policy
// spec §4.7/§6 requires: retryable failures (timeouts, rate limits) are
// retried up to MaxAttempts with jittered exponential backoff; fatal
// failures (auth, invalid request — see [reliability.ErrFatal]) propagate
// immediately. Once the underlying provider has emitted at least one token,
// the attempt is never retried: a retry after partial output would either
// duplicate or discard already-delivered text, so the turn pipeline's
// post-first-token failure policy (truncate, don't retry) takes over
// instead.
type RetryingProvider struct {
	inner       Provider
	breaker     *reliability.Breaker
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// RetryConfig tunes a [RetryingProvider].
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Breaker     *reliability.Breaker
}

func NewRetryingProvider(inner Provider, cfg RetryConfig) *RetryingProvider {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	return &RetryingProvider{
		inner:       inner,
		breaker:     cfg.Breaker,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

func (p *RetryingProvider) StreamGenerate(ctx context.Context, req Request, onToken TokenHandler) (Response, error) {
	var (
		resp           Response
		firstTokenSeen bool
	)
	wrappedOnToken := func(delta string) error {
		firstTokenSeen = true
		if onToken == nil {
			return nil
		}
		return onToken(delta)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		callErr := p.execute(ctx, req, wrappedOnToken, &resp)
		if callErr == nil {
			return resp, nil
		}
		lastErr = callErr

		if firstTokenSeen {
			return resp, callErr
		}
		if !reliability.IsRetryableErr(callErr) {
			return Response{}, callErr
		}
		if attempt == p.maxAttempts-1 {
			break
		}

		wait := reliability.JitteredBackoff(attempt, p.backoffBase, p.backoffCap)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return Response{}, lastErr
}

func (p *RetryingProvider) execute(ctx context.Context, req Request, onToken TokenHandler, resp *Response) error {
	call := func() error {
		r, err := p.inner.StreamGenerate(ctx, req, onToken)
		*resp = r
		return err
	}
	if p.breaker == nil {
		return call()
	}
	return p.breaker.Execute(call)
}
