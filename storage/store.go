package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"audia/config"
)

// Embedding batches sent to the embedding collaborator.
const embedBatchSize = 16

var (
	// ErrEmptyText is returned when chunking produced nothing to index.
	ErrEmptyText = errors.New("no chunks produced from text")
	// ErrIndexNotFound is returned when no committed index exists for a job.
	ErrIndexNotFound = errors.New("index not found")
)

// Embedder turns text into fixed-dimension vectors. EmbedBatch preserves
// input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

// SearchResult is one retrieved chunk, ranked from 1.
type SearchResult struct {
	Rank  int     `json:"rank"`
	Chunk string  `json:"chunk"`
	Score float64 `json:"score"`
	Index int     `json:"index"`
}

// IndexStats summarizes a committed index.
type IndexStats struct {
	JobID     string  `json:"job_id"`
	NumChunks int     `json:"num_chunks"`
	Dimension int     `json:"dimension"`
	SizeMB    float64 `json:"index_size_mb"`
}

// VectorIndex is the per-job similarity index over chunk embeddings.
//
// Build replaces any previous generation for the job; Update appends new
// chunks to an existing index (building from scratch when none exists) and
// never removes chunks derived from an older version of the text. Exactly
// one committed generation exists per job at any observation point; the
// backends serialize mutations per job id internally, while Search may run
// concurrently and should treat a transient ErrIndexNotFound during a
// rebuild as retryable.
type VectorIndex interface {
	Build(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error)
	Search(ctx context.Context, jobID, query string, topK int) ([]SearchResult, error)
	Update(ctx context.Context, jobID, newText string) error
	Delete(jobID string) error
	Exists(jobID string) bool
}

// NewVectorIndex selects the configured backend.
func NewVectorIndex(ctx context.Context, cfg *config.Config, embedder Embedder) (VectorIndex, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.VectorStore)) {
	case "", "flat":
		return NewFlatIndex(cfg.IndexPath, cfg.EmbeddingDim, embedder, cfg.ChunkSizeTokens, cfg.ChunkOverlapTokens)
	case "pgvector":
		return NewPgVectorIndex(ctx, cfg.PostgresURL, cfg.EmbeddingDim, embedder, cfg.ChunkSizeTokens, cfg.ChunkOverlapTokens)
	case "milvus":
		return NewMilvusIndex(ctx, cfg, embedder)
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
}

// normalizeL2 scales v to unit length so that inner product equals cosine
// similarity. Zero vectors are returned unchanged.
func normalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// embedChunks runs the order-preserving batched embedding call and
// normalizes every vector.
func embedChunks(ctx context.Context, embedder Embedder, chunks []string) ([][]float32, error) {
	vectors, err := embedder.EmbedBatch(ctx, chunks, embedBatchSize)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(chunks))
	}
	for i, v := range vectors {
		vectors[i] = normalizeL2(v)
	}
	return vectors, nil
}
