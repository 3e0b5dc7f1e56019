package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/twincore/internal/reliability"
)

type scriptedProvider struct {
	calls   int
	results []func(onToken TokenHandler) (Response, error)
}

func (p *scriptedProvider) StreamGenerate(ctx context.Context, req Request, onToken TokenHandler) (Response, error) {
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i](onToken)
}

func TestRetryingProviderRetriesTransientBeforeFirstToken(t *testing.T) {
	transient := errors.New("upstream reset")
	p := &scriptedProvider{
		results: []func(TokenHandler) (Response, error){
			func(TokenHandler) (Response, error) { return Response{}, transient },
			func(onToken TokenHandler) (Response, error) {
				if onToken != nil {
					_ = onToken("hi")
				}
				return Response{Text: "hi"}, nil
			},
		},
	}
	r := NewRetryingProvider(p, RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})

	resp, err := r.StreamGenerate(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("StreamGenerate() error = %v", err)
	}
	if resp.Text != "hi" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "hi")
	}
	if p.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", p.calls)
	}
}

func TestRetryingProviderDoesNotRetryFatal(t *testing.T) {
	fatal := errors.Join(errors.New("bad credentials"), reliability.ErrFatal)
	p := &scriptedProvider{
		results: []func(TokenHandler) (Response, error){
			func(TokenHandler) (Response, error) { return Response{}, fatal },
		},
	}
	r := NewRetryingProvider(p, RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})

	_, err := r.StreamGenerate(context.Background(), Request{}, nil)
	if err == nil {
		t.Fatalf("StreamGenerate() error = nil, want fatal error")
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want 1 (fatal errors are not retried)", p.calls)
	}
}

func TestRetryingProviderDoesNotRetryAfterFirstToken(t *testing.T) {
	transient := errors.New("connection dropped mid-stream")
	p := &scriptedProvider{
		results: []func(TokenHandler) (Response, error){
			func(onToken TokenHandler) (Response, error) {
				if onToken != nil {
					_ = onToken("partial")
				}
				return Response{}, transient
			},
		},
	}
	r := NewRetryingProvider(p, RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond})

	var got string
	_, err := r.StreamGenerate(context.Background(), Request{}, func(delta string) error {
		got += delta
		return nil
	})
	if err == nil {
		t.Fatalf("StreamGenerate() error = nil, want the underlying error surfaced")
	}
	if got != "partial" {
		t.Fatalf("onToken received %q, want %q", got, "partial")
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry once a token was emitted)", p.calls)
	}
}

func TestFailoverProviderSwitchesAndRecovers(t *testing.T) {
	failing := &scriptedProvider{results: []func(TokenHandler) (Response, error){
		func(TokenHandler) (Response, error) { return Response{}, errors.New("down") },
	}}
	healthy := &scriptedProvider{results: []func(TokenHandler) (Response, error){
		func(TokenHandler) (Response, error) { return Response{Text: "ok"}, nil },
	}}
	f := NewFailoverProvider("test", failing, healthy)

	resp, err := f.StreamGenerate(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("StreamGenerate() error = %v", err)
	}
	if resp.Text != "ok" || !f.FallbackActive() {
		t.Fatalf("expected fallback to become active and serve the response")
	}
}
