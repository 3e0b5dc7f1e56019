package synthesis

import (
	"context"
	"errors"
	"testing"
)

type downTTSProvider struct{}

func (downTTSProvider) StartStream(context.Context, string, string, Settings) (TTSStream, error) {
	return nil, errors.New("primary down")
}

func TestFailoverTTSProviderSwitchesToFallback(t *testing.T) {
	f := NewFailoverTTSProvider("test", downTTSProvider{}, NewMockTTSProvider(), "fallback-voice", "")
	stream, err := f.StartStream(context.Background(), "voice-a", "model-a", Settings{})
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	if stream == nil {
		t.Fatalf("expected a stream from the fallback provider")
	}
	if !f.FallbackActive() {
		t.Fatalf("FallbackActive() = false, want true")
	}
}

func TestMockLipSyncRequiresFaceID(t *testing.T) {
	p := NewMockLipSyncProvider()
	video, _, err := p.Synthesize(context.Background(), []byte{1, 2, 3}, "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if video != nil {
		t.Fatalf("Synthesize() with empty faceID should skip video, got %v", video)
	}
}
