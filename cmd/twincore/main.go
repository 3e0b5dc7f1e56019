// Command twincore runs the digital-twin conversation core: websocket
// gateway, session manager, and the RAG/generation/TTS/lip-sync pipeline
// behind it (spec §1).
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/twincore/internal/asr"
	"github.com/antoniostano/twincore/internal/auth"
	"github.com/antoniostano/twincore/internal/config"
	"github.com/antoniostano/twincore/internal/generation"
	"github.com/antoniostano/twincore/internal/memory"
	"github.com/antoniostano/twincore/internal/observability"
	"github.com/antoniostano/twincore/internal/rag"
	"github.com/antoniostano/twincore/internal/reliability"
	"github.com/antoniostano/twincore/internal/session"
	"github.com/antoniostano/twincore/internal/synthesis"
	"github.com/antoniostano/twincore/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	aggregator := observability.NewAggregator(observability.DefaultAlertThresholds())

	memStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory store: %v", err)
	}
	defer memStore.Close()

	vectorStore, closeVectors, err := buildVectorStore(ctx, cfg)
	if err != nil {
		log.Fatalf("vector store: %v", err)
	}
	if closeVectors != nil {
		defer closeVectors()
	}

	embedder := buildEmbedder(cfg)
	ragCoordinator := rag.NewCoordinator(embedder, vectorStore, rag.Config{
		TopK:     cfg.RAGTopK,
		MinScore: cfg.RAGMinScore,
	})

	generationProvider, err := generation.NewProvider(generation.Config{
		Mode:        cfg.GenerationProviderMode,
		PrimaryURL:  cfg.GenerationPrimaryURL,
		FallbackURL: cfg.GenerationFallbackURL,
		MaxAttempts: cfg.GenerationMaxAttempts,
		BackoffBase: cfg.GenerationBackoffBase,
		BackoffCap:  cfg.GenerationBackoffCap,
		Breaker: reliability.BreakerConfig{
			MaxFailures:  cfg.BreakerFailureThreshold,
			ResetTimeout: cfg.BreakerResetTimeout,
			HalfOpenMax:  cfg.BreakerSuccessThreshold,
			OnStateChange: func(name string, _, to reliability.BreakerState) {
				metrics.ObserveBreakerState(name, int(to))
			},
		},
	})
	if err != nil {
		log.Fatalf("generation provider: %v", err)
	}

	ttsProvider := synthesis.NewBreakerTTSProvider(
		synthesis.NewTTSProvider(synthesis.Config{
			Mode:         cfg.VoiceProvider,
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			ModelID:      cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		}),
		reliability.NewBreaker(reliability.BreakerConfig{
			Name:         "synthesis.tts",
			MaxFailures:  cfg.BreakerFailureThreshold,
			ResetTimeout: cfg.BreakerResetTimeout,
			HalfOpenMax:  cfg.BreakerSuccessThreshold,
			OnStateChange: func(name string, _, to reliability.BreakerState) {
				metrics.ObserveBreakerState(name, int(to))
			},
		}),
	)
	lipSyncProvider := synthesis.NewMockLipSyncProvider()

	asrProvider := asr.NewBreakerProvider(
		asr.NewProvider(asr.Config{
			Mode:       cfg.VoiceProvider,
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			ModelID:    cfg.ElevenLabsSTTModel,
			CommitMode: cfg.ElevenLabsSTTCommitStrategy,
		}),
		reliability.NewBreaker(reliability.BreakerConfig{
			Name:         "asr",
			MaxFailures:  cfg.BreakerFailureThreshold,
			ResetTimeout: cfg.BreakerResetTimeout,
			HalfOpenMax:  cfg.BreakerSuccessThreshold,
			OnStateChange: func(name string, _, to reliability.BreakerState) {
				metrics.ObserveBreakerState(name, int(to))
			},
		}),
	)

	sessions := session.NewManager(session.Config{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		ReconnectGrace:    cfg.SessionReconnectGrace,
		MaxConcurrent:     cfg.MaxConcurrentSessions,
	})

	validator := auth.NewValidator(auth.Config{
		SigningSecret: cfg.JWTSigningSecret,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		GuestMaxAge:   cfg.GuestTokenMaxAge,
	})

	srv := transport.New(transport.Deps{
		Config:     cfg,
		Sessions:   sessions,
		Auth:       validator,
		Metrics:    metrics,
		Aggregator: aggregator,
		RAG:        ragCoordinator,
		Generation: generationProvider,
		TTS:        ttsProvider,
		LipSync:    lipSyncProvider,
		ASR:        asrProvider,
		Memory:     memStore,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("twincore listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// buildVectorStore wires a pgvector-backed store when a database is
// configured, otherwise an in-process store for local/dev runs (spec §4.6
// doesn't mandate Postgres, only per-user isolation, which the in-memory
// store also enforces).
func buildVectorStore(ctx context.Context, cfg config.Config) (rag.VectorStore, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return rag.NewInMemoryVectorStore(), nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store, err := rag.NewPostgresVectorStore(ctx, pool, cfg.MemoryEmbeddingDim)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func buildEmbedder(cfg config.Config) rag.Embedder {
	var base rag.Embedder
	if strings.TrimSpace(cfg.RAGEmbedderURL) != "" {
		base = rag.NewHTTPEmbedder(cfg.RAGEmbedderURL)
	} else {
		base = rag.NewHashEmbedder(cfg.MemoryEmbeddingDim)
	}
	return rag.NewCachedEmbedder(base, cfg.RAGCacheSize, cfg.RAGCacheTTL)
}
