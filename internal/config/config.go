package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversation core.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionReconnectGrace    time.Duration
	MaxConcurrentSessions    int
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	VoiceProvider string

	ElevenLabsAPIKey            string
	ElevenLabsWSBaseURL         string
	ElevenLabsTTSVoice          string
	ElevenLabsTTSModel          string
	ElevenLabsSTTModel          string
	ElevenLabsTTSOutputFormat   string
	ElevenLabsSTTCommitStrategy string

	// GenerationProviderMode selects the LLM backend: "auto"|"http"|"mock"
	// (spec §4.7).
	GenerationProviderMode string
	GenerationPrimaryURL   string
	GenerationFallbackURL  string

	DatabaseURL        string
	MemoryEmbeddingDim int

	// VADSilenceThreshold is how long inbound audio must be silent before an
	// end-of-utterance boundary is issued when the client has not sent one.
	VADSilenceThreshold time.Duration

	// BargeInEnergyThreshold is the inbound PCM RMS amplitude (0-32767) above
	// which audio received while the system is speaking or processing is
	// treated as barge-in (spec §4.3).
	BargeInEnergyThreshold int

	// RAG tuning: §4.6.
	RAGTopK        int
	RAGMinScore    float64
	RAGTimeout     time.Duration
	RAGCacheSize   int
	RAGCacheTTL    time.Duration
	RAGLastKTurns  int
	RAGEmbedderURL string

	// Generation tuning: §4.7.
	GenerationMaxAttempts   int
	GenerationBackoffBase   time.Duration
	GenerationBackoffCap    time.Duration
	GenerationTokenBudget   int
	GenerationFirstTokenSLO time.Duration

	// Turn pipeline tuning: §4.4.
	TTSParallelism       int
	ReorderStallTimeout  time.Duration
	OutboundQueueSize    int
	SynthesisMinPrefetch int

	// Lip-sync / quality adaptation: §4.8.
	LipSyncEnabled bool

	// Circuit breaker defaults: §6.3.
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerSuccessThreshold int

	// Auth: §6.2.
	JWTSigningSecret string
	JWTIssuer        string
	JWTAudience      string
	GuestTokenMaxAge time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "twincore"),
		AllowAnyOrigin:      false,
		VoiceProvider:       envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:  envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:  envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		// Prefer low-latency PCM for realtime playback.
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),
		// Prefer explicit commit driven by our client-side VAD and controls.
		ElevenLabsSTTCommitStrategy: envOrDefault("ELEVENLABS_STT_COMMIT_STRATEGY", "manual"),
		GenerationProviderMode:      envOrDefault("GENERATION_PROVIDER_MODE", "auto"),
		GenerationPrimaryURL:        stringsTrimSpace("GENERATION_PRIMARY_URL"),
		GenerationFallbackURL:       stringsTrimSpace("GENERATION_FALLBACK_URL"),
		ElevenLabsAPIKey:            stringsTrimSpace("ELEVENLABS_API_KEY"),
		DatabaseURL:                 stringsTrimSpace("DATABASE_URL"),
		MemoryEmbeddingDim:          1536,
		ShutdownTimeout:             15 * time.Second,
		SessionInactivityTimeout:    2 * time.Minute,
		SessionReconnectGrace:       30 * time.Second,
		MaxConcurrentSessions:       2000,
		FirstAudioSLO:               700 * time.Millisecond,
		VADSilenceThreshold:         500 * time.Millisecond,
		BargeInEnergyThreshold:      1800,
		RAGTopK:                     5,
		RAGMinScore:                 0.7,
		RAGTimeout:                  200 * time.Millisecond,
		RAGCacheSize:                4096,
		RAGCacheTTL:                 10 * time.Minute,
		RAGLastKTurns:               5,
		RAGEmbedderURL:              stringsTrimSpace("RAG_EMBEDDER_URL"),
		GenerationMaxAttempts:       3,
		GenerationBackoffBase:       200 * time.Millisecond,
		GenerationBackoffCap:        4 * time.Second,
		GenerationTokenBudget:       4096,
		GenerationFirstTokenSLO:     1000 * time.Millisecond,
		TTSParallelism:              2,
		ReorderStallTimeout:         750 * time.Millisecond,
		OutboundQueueSize:           64,
		SynthesisMinPrefetch:        60,
		LipSyncEnabled:              true,
		BreakerFailureThreshold:     5,
		BreakerResetTimeout:         60 * time.Second,
		BreakerSuccessThreshold:     2,
		JWTSigningSecret:            stringsTrimSpace("JWT_SIGNING_SECRET"),
		JWTIssuer:                   envOrDefault("JWT_ISSUER", "twincore-accounts"),
		JWTAudience:                 envOrDefault("JWT_AUDIENCE", "twincore-core"),
		GuestTokenMaxAge:            time.Hour,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionReconnectGrace, err = durationFromEnv("APP_SESSION_RECONNECT_GRACE", cfg.SessionReconnectGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceThreshold, err = durationFromEnv("ASR_VAD_SILENCE_THRESHOLD", cfg.VADSilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGTimeout, err = durationFromEnv("RAG_TIMEOUT", cfg.RAGTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGCacheTTL, err = durationFromEnv("RAG_CACHE_TTL", cfg.RAGCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationBackoffBase, err = durationFromEnv("GENERATION_BACKOFF_BASE", cfg.GenerationBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationBackoffCap, err = durationFromEnv("GENERATION_BACKOFF_CAP", cfg.GenerationBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationFirstTokenSLO, err = durationFromEnv("GENERATION_FIRST_TOKEN_SLO", cfg.GenerationFirstTokenSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.ReorderStallTimeout, err = durationFromEnv("TURN_REORDER_STALL_TIMEOUT", cfg.ReorderStallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerResetTimeout, err = durationFromEnv("BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GuestTokenMaxAge, err = durationFromEnv("AUTH_GUEST_TOKEN_MAX_AGE", cfg.GuestTokenMaxAge)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryEmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.MemoryEmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("APP_MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGTopK, err = intFromEnv("RAG_TOP_K", cfg.RAGTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGCacheSize, err = intFromEnv("RAG_CACHE_SIZE", cfg.RAGCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGLastKTurns, err = intFromEnv("RAG_LAST_K_TURNS", cfg.RAGLastKTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.BargeInEnergyThreshold, err = intFromEnv("ASR_BARGE_IN_ENERGY_THRESHOLD", cfg.BargeInEnergyThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationMaxAttempts, err = intFromEnv("GENERATION_MAX_ATTEMPTS", cfg.GenerationMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTokenBudget, err = intFromEnv("GENERATION_TOKEN_BUDGET", cfg.GenerationTokenBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSParallelism, err = intFromEnv("TTS_PARALLELISM", cfg.TTSParallelism)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("TURN_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisMinPrefetch, err = intFromEnv("TURN_SYNTHESIS_MIN_PREFETCH", cfg.SynthesisMinPrefetch)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerFailureThreshold, err = intFromEnv("BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerSuccessThreshold, err = intFromEnv("BREAKER_SUCCESS_THRESHOLD", cfg.BreakerSuccessThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RAGMinScore, err = floatFromEnv("RAG_MIN_SCORE", cfg.RAGMinScore)
	if err != nil {
		return Config{}, err
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LipSyncEnabled, err = boolFromEnv("LIPSYNC_ENABLED", cfg.LipSyncEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.MemoryEmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.RAGTopK <= 0 {
		return Config{}, fmt.Errorf("RAG_TOP_K must be positive")
	}
	if cfg.RAGMinScore < 0 || cfg.RAGMinScore > 1 {
		return Config{}, fmt.Errorf("RAG_MIN_SCORE must be in [0,1]")
	}
	if cfg.GenerationMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("GENERATION_MAX_ATTEMPTS must be positive")
	}
	if cfg.TTSParallelism <= 0 {
		return Config{}, fmt.Errorf("TTS_PARALLELISM must be positive")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("TURN_OUTBOUND_QUEUE_SIZE must be positive")
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
