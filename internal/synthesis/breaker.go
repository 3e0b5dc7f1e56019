package synthesis

import (
	"context"

	"github.com/antoniostano/twincore/internal/reliability"
)

// BreakerTTSProvider wraps a TTSProvider's stream establishment in a
// circuit breaker (spec §6.3), same shape as asr.BreakerProvider.
type BreakerTTSProvider struct {
	inner   TTSProvider
	breaker *reliability.Breaker
}

func NewBreakerTTSProvider(inner TTSProvider, breaker *reliability.Breaker) *BreakerTTSProvider {
	return &BreakerTTSProvider{inner: inner, breaker: breaker}
}

func (p *BreakerTTSProvider) StartStream(ctx context.Context, voiceID, modelID string, settings Settings) (TTSStream, error) {
	var stream TTSStream
	err := p.breaker.Execute(func() error {
		var startErr error
		stream, startErr = p.inner.StartStream(ctx, voiceID, modelID, settings)
		return startErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}
