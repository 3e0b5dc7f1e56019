package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/twincore/internal/reliability"
)

// Config controls provider construction, mirroring the teacher's
// openclaw.Config mode-selection shape generalized to the LLM providers
// named in SPEC_FULL.md.
type Config struct {
	Mode         string // "auto" | "http" | "mock"
	PrimaryURL   string
	FallbackURL  string
	StreamStrict bool

	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	Breaker reliability.BreakerConfig
}

func NewProvider(cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var base Provider
	switch mode {
	case "mock":
		base = NewMockProvider()
	case "http":
		if strings.TrimSpace(cfg.PrimaryURL) == "" {
			return nil, fmt.Errorf("generation: http url is required for http mode")
		}
		base = NewHTTPProviderWithOptions(cfg.PrimaryURL, cfg.StreamStrict)
	case "auto":
		base = autoProvider(cfg)
	default:
		return nil, fmt.Errorf("generation: unsupported provider mode %q", cfg.Mode)
	}

	breakerCfg := cfg.Breaker
	breakerCfg.Name = "generation"
	breaker := reliability.NewBreaker(breakerCfg)

	return NewRetryingProvider(base, RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Breaker:     breaker,
	}), nil
}

func autoProvider(cfg Config) Provider {
	primaryURL := strings.TrimSpace(cfg.PrimaryURL)
	if primaryURL == "" {
		return NewMockProvider()
	}
	primary := NewHTTPProviderWithOptions(primaryURL, cfg.StreamStrict)

	fallbackURL := strings.TrimSpace(cfg.FallbackURL)
	var fallback Provider
	if fallbackURL != "" {
		fallback = NewHTTPProviderWithOptions(fallbackURL, cfg.StreamStrict)
	} else {
		fallback = NewMockProvider()
	}
	return NewFailoverProvider("generation", primary, fallback)
}
