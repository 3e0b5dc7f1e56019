package rag

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashEmbedder is a deterministic, dependency-free Embedder used for local
// dev and tests: it derives a fixed-dimensionality vector from the SHA-256
// of the input so identical text always maps to the same vector without a
// real embedding model.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 16
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, e.dims)
	for i := 0; i < e.dims; i++ {
		b := sum[i%len(sum):]
		if len(b) < 4 {
			b = append(append([]byte{}, b...), sum[:4-len(b)]...)
		}
		v := binary.BigEndian.Uint32(b[:4])
		out[i] = float32(v%1000) / 1000.0
	}
	return out, nil
}

// InMemoryVectorStore is a flat per-user slice store used for local dev and
// tests; it computes cosine similarity directly rather than via an index.
type InMemoryVectorStore struct {
	byUser map[string][]storedChunk
}

type storedChunk struct {
	chunk  Chunk
	vector []float32
}

func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{byUser: make(map[string][]storedChunk)}
}

func (s *InMemoryVectorStore) Upsert(userID string, chunk Chunk, vector []float32) {
	chunk.UserID = userID
	s.byUser[userID] = append(s.byUser[userID], storedChunk{chunk: chunk, vector: vector})
}

func (s *InMemoryVectorStore) Search(ctx context.Context, userID string, vector []float32, k int, minScore float64) ([]Chunk, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var scored []Chunk
	for _, sc := range s.byUser[userID] {
		score := cosineSimilarity(vector, sc.vector)
		if score < minScore {
			continue
		}
		c := sc.chunk
		c.Score = score
		scored = append(scored, c)
	}
	ranked := RankAndMerge(scored)
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
