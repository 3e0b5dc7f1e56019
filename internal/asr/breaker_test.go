package asr

import (
	"context"
	"errors"
	"testing"

	"github.com/antoniostano/twincore/internal/reliability"
)

type failingProvider struct {
	err error
}

func (p *failingProvider) StartSession(context.Context, string) (Session, <-chan Event, error) {
	return nil, nil, p.err
}

func TestBreakerProviderOpensAfterRepeatedFailures(t *testing.T) {
	failing := errors.New("dial failed")
	breaker := reliability.NewBreaker(reliability.BreakerConfig{Name: "asr", MaxFailures: 2})
	p := NewBreakerProvider(&failingProvider{err: failing}, breaker)

	for i := 0; i < 2; i++ {
		if _, _, err := p.StartSession(context.Background(), "sess"); !errors.Is(err, failing) {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, failing)
		}
	}
	if _, _, err := p.StartSession(context.Background(), "sess"); err != reliability.ErrBreakerOpen {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerProviderPassesThroughSuccess(t *testing.T) {
	breaker := reliability.NewBreaker(reliability.BreakerConfig{Name: "asr"})
	p := NewBreakerProvider(NewMockProvider(), breaker)

	sess, events, err := p.StartSession(context.Background(), "sess")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if sess == nil || events == nil {
		t.Fatalf("expected non-nil session and events channel")
	}
}
