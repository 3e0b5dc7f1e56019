package rag

import (
	"context"
)

// Coordinator implements the C6 operations: embed (cached), search, and
// rank_and_merge, composed into one Retrieve call for the turn pipeline.
type Coordinator struct {
	embedder Embedder
	store    VectorStore
	topK     int
	minScore float64
}

// Config tunes a [Coordinator]; zero values fall back to spec defaults.
type Config struct {
	TopK     int
	MinScore float64
}

func NewCoordinator(embedder Embedder, store VectorStore, cfg Config) *Coordinator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.7
	}
	return &Coordinator{embedder: embedder, store: store, topK: cfg.TopK, minScore: cfg.MinScore}
}

// Retrieve embeds the query, searches the user's vector space, and ranks the
// merged result. The caller (C4) is responsible for imposing the RAG
// latency budget via ctx's deadline; on ctx expiry this returns the
// context's error so the pipeline can degrade to an empty-context turn
// (spec §4.4 step 3).
func (c *Coordinator) Retrieve(ctx context.Context, req Request) (Result, error) {
	if req.UserID == "" {
		return Result{}, ErrUserIDRequired
	}

	vector, err := c.embedder.Embed(ctx, req.Query)
	if err != nil {
		return Result{}, err
	}

	k := req.TopK
	if k <= 0 {
		k = c.topK
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = c.minScore
	}

	chunks, err := c.store.Search(ctx, req.UserID, vector, k, minScore)
	if err != nil {
		return Result{}, err
	}

	for _, ch := range chunks {
		if ch.UserID != req.UserID {
			// User isolation is a type-level precondition, not a filter
			// (spec §4.6, §9): a mistagged chunk from the store is a bug
			// upstream, and surfacing it here would violate invariant 3.
			return Result{}, ErrCrossUserChunk
		}
	}

	ranked := RankAndMerge(chunks)
	if len(ranked) == 0 {
		return Result{NoKnowledge: true}, nil
	}
	return Result{Chunks: ranked}, nil
}
