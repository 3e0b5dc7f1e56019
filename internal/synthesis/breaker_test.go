package synthesis

import (
	"context"
	"errors"
	"testing"

	"github.com/antoniostano/twincore/internal/reliability"
)

type failingTTSProvider struct {
	err error
}

func (p *failingTTSProvider) StartStream(context.Context, string, string, Settings) (TTSStream, error) {
	return nil, p.err
}

func TestBreakerTTSProviderOpensAfterRepeatedFailures(t *testing.T) {
	failing := errors.New("dial failed")
	breaker := reliability.NewBreaker(reliability.BreakerConfig{Name: "tts", MaxFailures: 2})
	p := NewBreakerTTSProvider(&failingTTSProvider{err: failing}, breaker)

	for i := 0; i < 2; i++ {
		if _, err := p.StartStream(context.Background(), "v1", "m1", Settings{}); !errors.Is(err, failing) {
			t.Fatalf("attempt %d: err = %v, want %v", i, err, failing)
		}
	}
	if _, err := p.StartStream(context.Background(), "v1", "m1", Settings{}); err != reliability.ErrBreakerOpen {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerTTSProviderPassesThroughSuccess(t *testing.T) {
	breaker := reliability.NewBreaker(reliability.BreakerConfig{Name: "tts"})
	p := NewBreakerTTSProvider(NewMockTTSProvider(), breaker)

	stream, err := p.StartStream(context.Background(), "v1", "m1", Settings{})
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	if stream == nil {
		t.Fatalf("expected non-nil stream")
	}
}
