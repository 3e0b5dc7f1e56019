package synthesis

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FailoverTTSProvider prefers primary and sticks to fallback once it takes
// over, generalized from the teacher's voice.NewFailoverProviderPair TTS
// half (reliability.Failover's zero-argument Start() doesn't fit a call
// that carries per-call voiceID/modelID/settings, so this mirrors the
// teacher's hand-written sticky state directly, as internal/generation's
// FailoverProvider does).
type FailoverTTSProvider struct {
	name            string
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
	fallbackModelID string
	fallbackActive  atomic.Bool
}

func NewFailoverTTSProvider(name string, primary, fallback TTSProvider, fallbackVoiceID, fallbackModelID string) *FailoverTTSProvider {
	return &FailoverTTSProvider{
		name:            name,
		primary:         primary,
		fallback:        fallback,
		fallbackVoiceID: fallbackVoiceID,
		fallbackModelID: fallbackModelID,
	}
}

func (p *FailoverTTSProvider) FallbackActive() bool { return p.fallbackActive.Load() }

func (p *FailoverTTSProvider) StartStream(ctx context.Context, voiceID, modelID string, settings Settings) (TTSStream, error) {
	if p.fallbackActive.Load() {
		stream, fbErr := p.startFallback(ctx, voiceID, modelID, settings)
		if fbErr == nil {
			return stream, nil
		}
		stream, prErr := p.primary.StartStream(ctx, voiceID, modelID, settings)
		if prErr == nil {
			p.fallbackActive.Store(false)
			return stream, nil
		}
		return nil, fmt.Errorf("%s fallback failed: %v; primary failed: %w", p.name, fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, voiceID, modelID, settings)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.startFallback(ctx, voiceID, modelID, settings)
	if fbErr != nil {
		return nil, fmt.Errorf("%s primary failed: %v; fallback failed: %w", p.name, prErr, fbErr)
	}
	p.fallbackActive.Store(true)
	return stream, nil
}

func (p *FailoverTTSProvider) startFallback(ctx context.Context, voiceID, modelID string, settings Settings) (TTSStream, error) {
	if p.fallbackVoiceID != "" {
		voiceID = p.fallbackVoiceID
	}
	if p.fallbackModelID != "" {
		modelID = p.fallbackModelID
	}
	return p.fallback.StartStream(ctx, voiceID, modelID, settings)
}
