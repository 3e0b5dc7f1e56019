package generation

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider returns a deterministic local reply; used in dev and as the
// final rung of the provider fallback chain.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StreamGenerate(ctx context.Context, req Request, onToken TokenHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := mockReply(req)
	if onToken != nil && text != "" {
		if err := onToken(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func mockReply(req Request) string {
	if req.GroundedRefusal {
		return "I don't have information about that yet, so I don't want to guess."
	}
	transcript := strings.TrimSpace(req.FinalTranscript)
	if transcript == "" {
		transcript = "I am listening."
	}
	if len(req.RetrievedChunks) == 0 {
		return fmt.Sprintf("I heard you: %s", transcript)
	}
	return fmt.Sprintf("I heard you: %s (drawing on %d retrieved item(s))", transcript, len(req.RetrievedChunks))
}
