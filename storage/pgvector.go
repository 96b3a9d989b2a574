package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgVectorIndex stores chunk embeddings in Postgres with the pgvector
// extension. Chunks are keyed by (job_id, chunk_index); the transcript_indexes
// row marks a committed generation for the job. A connection pool backs the
// index so concurrent workers and handlers never share one connection.
type PgVectorIndex struct {
	pool         *pgxpool.Pool
	dim          int
	embedder     Embedder
	chunkSize    int
	chunkOverlap int
	locks        *jobLocks
}

func NewPgVectorIndex(ctx context.Context, dbURL string, dim int, embedder Embedder, chunkSize, chunkOverlap int) (*PgVectorIndex, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PgVectorIndex{
		pool:         pool,
		dim:          dim,
		embedder:     embedder,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		locks:        newJobLocks(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVectorIndex) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transcript_chunks (
			id SERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			chunk TEXT NOT NULL,
			embedding vector(%d),
			UNIQUE (job_id, chunk_index)
		)`, s.dim),
		`CREATE TABLE IF NOT EXISTS transcript_indexes (
			job_id TEXT PRIMARY KEY,
			num_chunks INTEGER NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS transcript_chunks_job_idx ON transcript_chunks (job_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PgVectorIndex) Build(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error) {
	lock := s.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.buildLocked(ctx, jobID, text, meta)
}

func (s *PgVectorIndex) buildLocked(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error) {
	chunks := ChunkText(text, s.chunkSize, s.chunkOverlap)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	vectors, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin build tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_chunks WHERE job_id = $1`, jobID); err != nil {
		return nil, fmt.Errorf("clear previous chunks: %w", err)
	}
	if err := s.insertChunks(ctx, tx, jobID, 0, chunks, vectors); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transcript_indexes (job_id, num_chunks, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET num_chunks = EXCLUDED.num_chunks, metadata = EXCLUDED.metadata
	`, jobID, len(chunks), metaOrEmpty(meta)); err != nil {
		return nil, fmt.Errorf("record index row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit build tx: %w", err)
	}

	log.Printf("[job %s] pgvector index built with %d chunks", jobID, len(chunks))
	return &IndexStats{
		JobID:     jobID,
		NumChunks: len(chunks),
		Dimension: s.dim,
		SizeMB:    float64(len(chunks)) * float64(s.dim) * 4 / (1024 * 1024),
	}, nil
}

func (s *PgVectorIndex) insertChunks(ctx context.Context, tx pgx.Tx, jobID string, base int, chunks []string, vectors [][]float32) error {
	for i, chunk := range chunks {
		vec := pgvector.NewVector(vectors[i])
		if _, err := tx.Exec(ctx, `
			INSERT INTO transcript_chunks (job_id, chunk_index, chunk, embedding)
			VALUES ($1, $2, $3, $4)
		`, jobID, base+i, chunk, vec); err != nil {
			return fmt.Errorf("insert chunk %d: %w", base+i, err)
		}
	}
	return nil
}

func (s *PgVectorIndex) Search(ctx context.Context, jobID, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec := pgvector.NewVector(normalizeL2(qv))

	// Vectors are stored normalized, so the negated inner product distance
	// is cosine similarity.
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_index, chunk, (embedding <#> $1) * -1 AS score
		FROM transcript_chunks
		WHERE job_id = $2
		ORDER BY embedding <#> $1, chunk_index
		LIMIT $3
	`, vec, jobID, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Index, &r.Chunk, &r.Score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		r.Rank = len(results) + 1
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	if len(results) == 0 && !s.Exists(jobID) {
		return nil, ErrIndexNotFound
	}
	return results, nil
}

func (s *PgVectorIndex) Update(ctx context.Context, jobID, newText string) error {
	lock := s.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	var base int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(chunk_index) + 1, -1) FROM transcript_chunks WHERE job_id = $1
	`, jobID).Scan(&base)
	if err != nil {
		return fmt.Errorf("count existing chunks: %w", err)
	}
	if base < 0 {
		_, err := s.buildLocked(ctx, jobID, newText, nil)
		return err
	}

	chunks := ChunkText(newText, s.chunkSize, s.chunkOverlap)
	if len(chunks) == 0 {
		return ErrEmptyText
	}
	vectors, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.insertChunks(ctx, tx, jobID, base, chunks, vectors); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE transcript_indexes SET num_chunks = $2 WHERE job_id = $1
	`, jobID, base+len(chunks)); err != nil {
		return fmt.Errorf("update index row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}
	log.Printf("[job %s] pgvector index updated, %d chunks total", jobID, base+len(chunks))
	return nil
}

func (s *PgVectorIndex) Delete(jobID string) error {
	lock := s.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcript_chunks WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcript_indexes WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete index row: %w", err)
	}
	return nil
}

func (s *PgVectorIndex) Exists(jobID string) bool {
	var n int
	err := s.pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM transcript_indexes WHERE job_id = $1
	`, jobID).Scan(&n)
	return err == nil && n > 0
}

func (s *PgVectorIndex) Close() {
	s.pool.Close()
}

func metaOrEmpty(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	return meta
}
