package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"testing"
)

// fakeEmbedder derives a deterministic unit vector from the text hash, so
// identical strings embed identically and distinct strings almost never
// collide.
type fakeEmbedder struct {
	dim  int
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedding unavailable")
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, f.dim)
	var sum float64
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int32(seed>>33)) / float32(math.MaxInt32)
		sum += float64(v[i]) * float64(v[i])
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newTestIndex(t *testing.T) *FlatIndex {
	t.Helper()
	idx, err := NewFlatIndex(t.TempDir(), 8, &fakeEmbedder{dim: 8}, 10, 0)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return idx
}

func TestFlatIndexBuildAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	text := "the quick brown fox jumped over the lazy dog near the river bank today"
	stats, err := idx.Build(ctx, "job-1", text, map[string]string{"filename": "a.mp3"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if stats.NumChunks < 1 || stats.Dimension != 8 {
		t.Fatalf("stats = %+v", stats)
	}
	if !idx.Exists("job-1") {
		t.Fatal("Exists = false after build")
	}

	// Querying with an exact chunk must rank that chunk first with a
	// near-perfect cosine score.
	loaded, meta, err := idx.load("job-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.len() != meta.NumChunks {
		t.Fatalf("vectors = %d, chunks = %d", loaded.len(), meta.NumChunks)
	}
	query := meta.Chunks[0]
	results, err := idx.Search(ctx, "job-1", query, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Chunk != query {
		t.Errorf("top chunk = %q, want the query chunk", results[0].Chunk)
	}
	if results[0].Rank != 1 {
		t.Errorf("top rank = %d", results[0].Rank)
	}
	if math.Abs(results[0].Score-1.0) > 1e-5 {
		t.Errorf("top score = %v, want ~1.0", results[0].Score)
	}
}

func TestFlatIndexSearchMissing(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Search(context.Background(), "nope", "query", 5)
	if !errors.Is(err, ErrIndexNotFound) {
		t.Fatalf("error = %v, want ErrIndexNotFound", err)
	}
	if idx.Exists("nope") {
		t.Error("Exists = true for missing index")
	}
}

func TestFlatIndexBuildEmptyText(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Build(context.Background(), "job-1", "", nil)
	if !errors.Is(err, ErrEmptyText) {
		t.Fatalf("error = %v, want ErrEmptyText", err)
	}
	if idx.Exists("job-1") {
		t.Error("Exists = true after failed build")
	}
}

func TestFlatIndexUpdateAppends(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	stats, err := idx.Build(ctx, "job-1", "original transcript text about planning", nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	before := stats.NumChunks

	if err := idx.Update(ctx, "job-1", "additional notes recorded later about budget"); err != nil {
		t.Fatalf("update: %v", err)
	}
	after, err := idx.Stats("job-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if after.NumChunks <= before {
		t.Errorf("chunks = %d after update, want > %d", after.NumChunks, before)
	}
}

func TestFlatIndexUpdateBuildsWhenMissing(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.Update(context.Background(), "job-1", "fresh text"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !idx.Exists("job-1") {
		t.Error("Exists = false after update on missing index")
	}
}

func TestFlatIndexDeleteIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if _, err := idx.Build(ctx, "job-1", "some text to index", nil); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := idx.Delete("job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if idx.Exists("job-1") {
		t.Error("Exists = true after delete")
	}
	if err := idx.Delete("job-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestFlatIndexNoPartialStateOnEmbedFailure(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewFlatIndex(dir, 8, &fakeEmbedder{dim: 8, fail: true}, 10, 0)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if _, err := idx.Build(context.Background(), "job-1", "text that will not embed", nil); err == nil {
		t.Fatal("expected build error")
	}
	if idx.Exists("job-1") {
		t.Error("Exists = true after failed build")
	}
}
