package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"audia/config"
)

// MilvusIndex stores chunk embeddings in a shared Milvus collection,
// partitioned logically by job_id.
type MilvusIndex struct {
	mc           client.Client
	coll         string
	dim          int
	embedder     Embedder
	chunkSize    int
	chunkOverlap int
	locks        *jobLocks
}

func NewMilvusIndex(ctx context.Context, cfg *config.Config, embedder Embedder) (*MilvusIndex, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.MilvusAddr,
		Username: cfg.MilvusUsername,
		Password: cfg.MilvusPassword,
		APIKey:   cfg.MilvusAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	coll := cfg.MilvusCollection
	if coll == "" {
		coll = "transcript_chunks"
	}
	s := &MilvusIndex{
		mc:           mc,
		coll:         coll,
		dim:          cfg.EmbeddingDim,
		embedder:     embedder,
		chunkSize:    cfg.ChunkSizeTokens,
		chunkOverlap: cfg.ChunkOverlapTokens,
		locks:        newJobLocks(),
	}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MilvusIndex) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		schema := entity.NewSchema()
		schema.WithField(entity.NewField().WithName("id").WithIsAutoID(true).WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("job_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("chunk_index").WithDataType(entity.FieldTypeInt64))
		schema.WithField(entity.NewField().WithName("chunk").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192))
		schema.WithField(entity.NewField().WithName("metadata").WithDataType(entity.FieldTypeVarChar).WithMaxLength(2048))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))
		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
	}

	idx, err := entity.NewIndexHNSW(entity.IP, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

func jobFilter(jobID string) string {
	return fmt.Sprintf("job_id == \"%s\"", strings.ReplaceAll(jobID, "\"", "\\\""))
}

func (s *MilvusIndex) Build(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error) {
	lock := s.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.buildLocked(ctx, jobID, text, meta)
}

func (s *MilvusIndex) buildLocked(ctx context.Context, jobID, text string, meta map[string]string) (*IndexStats, error) {
	chunks := ChunkText(text, s.chunkSize, s.chunkOverlap)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	vectors, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(metaOrEmpty(meta))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	if err := s.mc.Delete(ctx, s.coll, "", jobFilter(jobID)); err != nil {
		return nil, fmt.Errorf("clear previous chunks: %w", err)
	}
	if err := s.insertChunks(ctx, jobID, 0, chunks, vectors, string(metaJSON)); err != nil {
		return nil, err
	}

	log.Printf("[job %s] milvus index built with %d chunks", jobID, len(chunks))
	return &IndexStats{
		JobID:     jobID,
		NumChunks: len(chunks),
		Dimension: s.dim,
		SizeMB:    float64(len(chunks)) * float64(s.dim) * 4 / (1024 * 1024),
	}, nil
}

// insertChunks inserts one row per chunk. Every row carries the build
// generation's metadata document.
func (s *MilvusIndex) insertChunks(ctx context.Context, jobID string, base int, chunks []string, vectors [][]float32, metaJSON string) error {
	jobIDs := make([]string, len(chunks))
	indices := make([]int64, len(chunks))
	metas := make([]string, len(chunks))
	for i := range chunks {
		jobIDs[i] = jobID
		indices[i] = int64(base + i)
		metas[i] = metaJSON
	}
	_, err := s.mc.Insert(ctx, s.coll, "",
		entity.NewColumnVarChar("job_id", jobIDs),
		entity.NewColumnInt64("chunk_index", indices),
		entity.NewColumnVarChar("chunk", chunks),
		entity.NewColumnVarChar("metadata", metas),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

func (s *MilvusIndex) Search(ctx context.Context, jobID, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qv = normalizeL2(qv)

	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := s.mc.Search(ctx, s.coll, []string{}, jobFilter(jobID),
		[]string{"chunk_index", "chunk"},
		[]entity.Vector{entity.FloatVector(qv)},
		"vector", entity.IP, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	var results []SearchResult
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		for i := 0; i < r.ResultCount; i++ {
			var chunk string
			var idx int64
			if c, ok := cols["chunk"].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					chunk = data[i]
				}
			}
			if c, ok := cols["chunk_index"].(*entity.ColumnInt64); ok {
				if data := c.Data(); i < len(data) {
					idx = data[i]
				}
			}
			results = append(results, SearchResult{
				Rank:  len(results) + 1,
				Chunk: chunk,
				Score: float64(r.Scores[i]),
				Index: int(idx),
			})
		}
	}
	if len(results) == 0 && !s.Exists(jobID) {
		return nil, ErrIndexNotFound
	}
	return results, nil
}

func (s *MilvusIndex) Update(ctx context.Context, jobID, newText string) error {
	lock := s.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	base, err := s.chunkCount(ctx, jobID)
	if err != nil {
		return err
	}
	if base == 0 {
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
	// Appended rows carry empty metadata; the build generation owns the
	// metadata document.
	if err := s.insertChunks(ctx, jobID, base, chunks, vectors, "{}"); err != nil {
		return err
	}
	log.Printf("[job %s] milvus index updated, %d chunks total", jobID, base+len(chunks))
	return nil
}

func (s *MilvusIndex) Delete(jobID string) error {
	lock := s.locks.get(jobID)
	lock.Lock()
	defer lock.Unlock()

	ctx := context.Background()
	if err := s.mc.Delete(ctx, s.coll, "", jobFilter(jobID)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *MilvusIndex) Exists(jobID string) bool {
	n, err := s.chunkCount(context.Background(), jobID)
	return err == nil && n > 0
}

func (s *MilvusIndex) chunkCount(ctx context.Context, jobID string) (int, error) {
	rs, err := s.mc.Query(ctx, s.coll, nil, jobFilter(jobID), []string{"chunk_index"})
	if err != nil {
		return 0, fmt.Errorf("query chunks: %w", err)
	}
	for _, c := range rs {
		if c.Name() == "chunk_index" {
			return c.Len(), nil
		}
	}
	return 0, nil
}

func (s *MilvusIndex) Close() error {
	return s.mc.Close()
}
