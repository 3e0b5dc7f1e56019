package generation

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FailoverProvider prefers primary and switches to fallback when primary
// fails; once fallback is active it stays active until fallback itself
// fails, at which point primary is retried (spec §9's per-adapter retry
// note). Mirrors the sticky-fallback shape of the teacher's
// voice.NewFailoverProviderPair, specialized for a streaming call that
// carries per-call request/callback arguments (so it cannot reuse
// internal/reliability.Failover's zero-argument closures directly).
type FailoverProvider struct {
	name           string
	primary        Provider
	fallback       Provider
	fallbackActive atomic.Bool
}

func NewFailoverProvider(name string, primary, fallback Provider) *FailoverProvider {
	return &FailoverProvider{name: name, primary: primary, fallback: fallback}
}

func (p *FailoverProvider) FallbackActive() bool { return p.fallbackActive.Load() }

func (p *FailoverProvider) StreamGenerate(ctx context.Context, req Request, onToken TokenHandler) (Response, error) {
	if p.fallbackActive.Load() {
		resp, fbErr := p.fallback.StreamGenerate(ctx, req, onToken)
		if fbErr == nil {
			return resp, nil
		}
		resp, prErr := p.primary.StreamGenerate(ctx, req, onToken)
		if prErr == nil {
			p.fallbackActive.Store(false)
			return resp, nil
		}
		return Response{}, fmt.Errorf("%s fallback failed: %v; primary failed: %w", p.name, fbErr, prErr)
	}

	resp, prErr := p.primary.StreamGenerate(ctx, req, onToken)
	if prErr == nil {
		return resp, nil
	}
	resp, fbErr := p.fallback.StreamGenerate(ctx, req, onToken)
	if fbErr != nil {
		return Response{}, fmt.Errorf("%s primary failed: %v; fallback failed: %w", p.name, prErr, fbErr)
	}
	p.fallbackActive.Store(true)
	return resp, nil
}
