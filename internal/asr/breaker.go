package asr

import (
	"context"

	"github.com/antoniostano/twincore/internal/reliability"
)

// BreakerProvider wraps a Provider's session establishment in a circuit
// breaker (spec §6.3): repeated StartSession failures open the breaker so
// further attempts fail fast instead of piling up dial timeouts against a
// downed recognizer.
type BreakerProvider struct {
	inner   Provider
	breaker *reliability.Breaker
}

func NewBreakerProvider(inner Provider, breaker *reliability.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: inner, breaker: breaker}
}

func (p *BreakerProvider) StartSession(ctx context.Context, sessionID string) (Session, <-chan Event, error) {
	var (
		sess   Session
		events <-chan Event
	)
	err := p.breaker.Execute(func() error {
		var startErr error
		sess, events, startErr = p.inner.StartSession(ctx, sessionID)
		return startErr
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, events, nil
}
