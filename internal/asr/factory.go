package asr

import "strings"

// Config selects and tunes the ASR backend.
type Config struct {
	Mode       string // "auto" | "elevenlabs" | "mock"
	APIKey     string
	WSBaseURL  string
	ModelID    string
	CommitMode string
}

// NewProvider builds the ASR backend named by cfg.Mode, falling back to a
// mock when no API key is configured in "auto" mode.
func NewProvider(cfg Config) Provider {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "mock":
		return NewMockProvider()
	case "elevenlabs":
		return elevenLabsProvider(cfg)
	default: // "auto"
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockProvider()
		}
		return elevenLabsProvider(cfg)
	}
}

func elevenLabsProvider(cfg Config) *ElevenLabsProvider {
	return NewElevenLabsProvider(ElevenLabsConfig{
		APIKey:     cfg.APIKey,
		WSBaseURL:  cfg.WSBaseURL,
		ModelID:    cfg.ModelID,
		CommitMode: cfg.CommitMode,
	})
}
