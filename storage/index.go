package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// jobLocks hands out one advisory mutex per job id so that index mutations
// for the same job never interleave. Mutations for different jobs proceed
// in parallel.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *jobLocks) get(jobID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[jobID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[jobID] = m
	}
	return m
}

// indexMeta is the sidecar persisted next to each flat index.
type indexMeta struct {
	JobID     string            `json:"job_id"`
	Chunks    []string          `json:"chunks"`
	NumChunks int               `json:"num_chunks"`
	Dimension int               `json:"dimension"`
	Metadata  map[string]string `json:"metadata"`
}

// FlatIndex persists one {jobID}.index / {jobID}.meta pair per job under a
// base directory. The pair is committed atomically (written to temp files
// and renamed, index file last) so readers never observe a half-written
// generation.
type FlatIndex struct {
	dir          string
	dim          int
	embedder     Embedder
	chunkSize    int
	chunkOverlap int
	locks        *jobLocks
}

func NewFlatIndex(dir string, dim int, embedder Embedder, chunkSize, chunkOverlap int) (*FlatIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &FlatIndex{
		dir:          dir,
		dim:          dim,
		embedder:     embedder,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		locks:        newJobLocks(),
	}, nil
}

func (f *FlatIndex) indexPath(jobID string) string { return filepath.Join(f.dir, jobID+".index") }
func (f *FlatIndex) metaPath(jobID string) string  { return filepath.Join(f.dir, jobID+".meta") }

func (f *FlatIndex) Build(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error) {
	lock := f.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()
	return f.buildLocked(ctx, jobID, text, meta)
}

func (f *FlatIndex) buildLocked(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error) {
	chunks := ChunkText(text, f.chunkSize, f.chunkOverlap)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}

	vectors, err := embedChunks(ctx, f.embedder, chunks)
	if err != nil {
		return nil, err
	}

	idx := newFlatVectors(f.dim)
	idx.add(vectors...)

	m := &indexMeta{
		JobID:     jobID,
		Chunks:    chunks,
		NumChunks: len(chunks),
		Dimension: f.dim,
		Metadata:  meta,
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	if err := f.persist(jobID, idx, m); err != nil {
		return nil, err
	}

	log.Printf("[job %s] index built with %d chunks", jobID, len(chunks))
	return f.stats(jobID, idx, m), nil
}

func (f *FlatIndex) Search(ctx context.Context, jobID, query string, topK int) ([]SearchResult, error) {
	idx, meta, err := f.load(jobID)
	if err != nil {
		return nil, err
	}

	qv, err := f.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qv = normalizeL2(qv)

	if topK <= 0 {
		topK = 5
	}
	scores, indices := idx.search(qv, topK)

	results := make([]SearchResult, 0, len(indices))
	for i, id := range indices {
		if id >= len(meta.Chunks) {
			continue
		}
		results = append(results, SearchResult{
			Rank:  i + 1,
			Chunk: meta.Chunks[id],
			Score: scores[i],
			Index: id,
		})
	}
	return results, nil
}

func (f *FlatIndex) Update(ctx context.Context, jobID, newText string) error {
	lock := f.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	idx, meta, err := f.load(jobID)
	if err == ErrIndexNotFound {
		_, err = f.buildLocked(ctx, jobID, newText, nil)
		return err
	}
	if err != nil {
		return err
	}

	chunks := ChunkText(newText, f.chunkSize, f.chunkOverlap)
	if len(chunks) == 0 {
		return ErrEmptyText
	}
	vectors, err := embedChunks(ctx, f.embedder, chunks)
	if err != nil {
		return err
	}

	// Append-only: chunks from the previous text stay searchable alongside
	// the new ones.
	idx.add(vectors...)
	meta.Chunks = append(meta.Chunks, chunks...)
	meta.NumChunks = len(meta.Chunks)

	if err := f.persist(jobID, idx, meta); err != nil {
		return err
	}
	log.Printf("[job %s] index updated, %d vectors total", jobID, idx.len())
	return nil
}

func (f *FlatIndex) Delete(jobID string) error {
	lock := f.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	for _, p := range []string{f.indexPath(jobID), f.metaPath(jobID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete index files: %w", err)
		}
	}
	return nil
}

func (f *FlatIndex) Exists(jobID string) bool {
	_, err := os.Stat(f.indexPath(jobID))
	return err == nil
}

// Stats loads the committed pair and reports its size.
func (f *FlatIndex) Stats(jobID string) (*IndexStats, error) {
	idx, meta, err := f.load(jobID)
	if err != nil {
		return nil, err
	}
	return f.stats(jobID, idx, meta), nil
}

func (f *FlatIndex) stats(jobID string, idx *flatVectors, meta *indexMeta) *IndexStats {
	return &IndexStats{
		JobID:     jobID,
		NumChunks: meta.NumChunks,
		Dimension: meta.Dimension,
		SizeMB:    float64(idx.len()) * float64(meta.Dimension) * 4 / (1024 * 1024),
	}
}

// persist writes both files to temp names, then renames the meta first and
// the index last: Exists keys on the index file, so a visible index always
// has its sidecar in place.
func (f *FlatIndex) persist(jobID string, idx *flatVectors, meta *indexMeta) error {
	indexPath := f.indexPath(jobID)
	metaPath := f.metaPath(jobID)

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode index meta: %w", err)
	}
	if err := os.WriteFile(metaPath+".tmp", metaBytes, 0o644); err != nil {
		return fmt.Errorf("write index meta: %w", err)
	}
	if err := idx.save(indexPath + ".tmp"); err != nil {
		return err
	}
	if err := os.Rename(metaPath+".tmp", metaPath); err != nil {
		return fmt.Errorf("commit index meta: %w", err)
	}
	if err := os.Rename(indexPath+".tmp", indexPath); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

func (f *FlatIndex) load(jobID string) (*flatVectors, *indexMeta, error) {
	idx, err := loadFlatVectors(f.indexPath(jobID))
	if os.IsNotExist(err) {
		return nil, nil, ErrIndexNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	meta := &indexMeta{JobID: jobID, Metadata: map[string]string{}}
	data, err := os.ReadFile(f.metaPath(jobID))
	if err == nil {
		if err := json.Unmarshal(data, meta); err != nil {
			return nil, nil, fmt.Errorf("decode index meta: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}
	return idx, meta, nil
}
