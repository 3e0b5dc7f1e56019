package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsDoNotSetGenerationPrimaryURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.GenerationProviderMode != "auto" {
		t.Fatalf("GenerationProviderMode = %q, want %q", cfg.GenerationProviderMode, "auto")
	}
	if cfg.GenerationPrimaryURL != "" {
		t.Fatalf("GenerationPrimaryURL = %q, want empty default", cfg.GenerationPrimaryURL)
	}
}

func TestLoadUsesExplicitGenerationPrimaryURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("GENERATION_PRIMARY_URL", "http://localhost:7777/custom")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GenerationPrimaryURL != "http://localhost:7777/custom" {
		t.Fatalf("GenerationPrimaryURL = %q, want explicit value", cfg.GenerationPrimaryURL)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"VOICE_PROVIDER",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"ELEVENLABS_STT_COMMIT_STRATEGY",
		"GENERATION_PROVIDER_MODE",
		"GENERATION_PRIMARY_URL",
		"GENERATION_FALLBACK_URL",
		"DATABASE_URL",
		"MEMORY_EMBEDDING_DIM",
		"APP_SESSION_RECONNECT_GRACE",
		"APP_MAX_CONCURRENT_SESSIONS",
		"ASR_VAD_SILENCE_THRESHOLD",
		"RAG_TOP_K",
		"RAG_MIN_SCORE",
		"RAG_TIMEOUT",
		"RAG_CACHE_SIZE",
		"RAG_CACHE_TTL",
		"RAG_LAST_K_TURNS",
		"RAG_EMBEDDER_URL",
		"GENERATION_MAX_ATTEMPTS",
		"GENERATION_BACKOFF_BASE",
		"GENERATION_BACKOFF_CAP",
		"GENERATION_TOKEN_BUDGET",
		"GENERATION_FIRST_TOKEN_SLO",
		"TTS_PARALLELISM",
		"TURN_REORDER_STALL_TIMEOUT",
		"TURN_OUTBOUND_QUEUE_SIZE",
		"TURN_SYNTHESIS_MIN_PREFETCH",
		"LIPSYNC_ENABLED",
		"BREAKER_FAILURE_THRESHOLD",
		"BREAKER_RESET_TIMEOUT",
		"BREAKER_SUCCESS_THRESHOLD",
		"JWT_SIGNING_SECRET",
		"JWT_ISSUER",
		"JWT_AUDIENCE",
		"AUTH_GUEST_TOKEN_MAX_AGE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsCoverDomainStack(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrentSessions <= 0 {
		t.Fatalf("MaxConcurrentSessions = %d, want positive default", cfg.MaxConcurrentSessions)
	}
	if cfg.RAGTopK != 5 {
		t.Fatalf("RAGTopK = %d, want 5", cfg.RAGTopK)
	}
	if cfg.RAGMinScore != 0.7 {
		t.Fatalf("RAGMinScore = %v, want 0.7", cfg.RAGMinScore)
	}
	if cfg.GenerationMaxAttempts != 3 {
		t.Fatalf("GenerationMaxAttempts = %d, want 3", cfg.GenerationMaxAttempts)
	}
	if cfg.OutboundQueueSize != 64 {
		t.Fatalf("OutboundQueueSize = %d, want 64", cfg.OutboundQueueSize)
	}
	if cfg.BreakerFailureThreshold != 5 || cfg.BreakerSuccessThreshold != 2 {
		t.Fatalf("breaker thresholds = (%d,%d), want (5,2)", cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold)
	}
	if cfg.GuestTokenMaxAge != time.Hour {
		t.Fatalf("GuestTokenMaxAge = %v, want 1h", cfg.GuestTokenMaxAge)
	}
}

func TestLoadRejectsInvalidRAGMinScore(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RAG_MIN_SCORE", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for out-of-range RAG_MIN_SCORE")
	}
}
