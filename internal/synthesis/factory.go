package synthesis

import "strings"

// Config selects and tunes the TTS backend, mirroring generation.Config's
// mode-selection shape.
type Config struct {
	Mode         string // "auto" | "elevenlabs" | "mock"
	APIKey       string
	WSBaseURL    string
	ModelID      string
	OutputFormat string

	FallbackVoiceID string
	FallbackModelID string
}

// NewTTSProvider builds the TTS backend named by cfg.Mode, falling back to
// a mock when no API key is configured in "auto" mode, so the pipeline
// keeps running on the mock's placeholder audio rather than fail outright.
func NewTTSProvider(cfg Config) TTSProvider {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "mock":
		return NewMockTTSProvider()
	case "elevenlabs":
		return elevenLabsTTS(cfg)
	default: // "auto"
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockTTSProvider()
		}
		return NewFailoverTTSProvider("tts", elevenLabsTTS(cfg), NewMockTTSProvider(), cfg.FallbackVoiceID, cfg.FallbackModelID)
	}
}

func elevenLabsTTS(cfg Config) *ElevenLabsTTSProvider {
	return NewElevenLabsTTSProvider(ElevenLabsConfig{
		APIKey:       cfg.APIKey,
		WSBaseURL:    cfg.WSBaseURL,
		ModelID:      cfg.ModelID,
		OutputFormat: cfg.OutputFormat,
	})
}
