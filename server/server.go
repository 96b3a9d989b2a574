package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"audia/config"
	"audia/core"
	"audia/jobs"
	"audia/llm"
	"audia/storage"
)

// Server exposes the upload, job, transcription, and retrieval endpoints.
type Server struct {
	cfg     *config.Config
	store   *jobs.Store
	objects storage.ObjectStore
	queue   *jobs.Queue
	manager *jobs.Manager
	index   storage.VectorIndex
	rag     *llm.RAG
}

func New(cfg *config.Config, store *jobs.Store, objects storage.ObjectStore, queue *jobs.Queue,
	manager *jobs.Manager, index storage.VectorIndex, rag *llm.RAG) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		objects: objects,
		queue:   queue,
		manager: manager,
		index:   index,
		rag:     rag,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /api/transcriptions/{id}", s.handleGetTranscription)
	mux.HandleFunc("GET /api/transcriptions/{id}/download", s.handleDownload)
	mux.HandleFunc("PUT /api/transcriptions/{id}/speakers", s.handleRenameSpeakers)
	mux.HandleFunc("PUT /api/transcriptions/{id}/edit", s.handleEditText)
	mux.HandleFunc("POST /api/chat/{id}", s.handleChat)
	mux.HandleFunc("POST /api/summary/{id}", s.handleSummary)
	mux.HandleFunc("POST /api/minutes/{id}", s.handleMinutes)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func ownerID(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, status int, msg string) {
	core.WriteJSON(w, status, map[string]string{"error": msg})
}

// ========== Upload and job tracking ==========

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.MaxUploadSizeMB) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")
	if !s.extensionAllowed(ext) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("extension %q not allowed", ext))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", s.cfg.MaxUploadSizeMB))
		return
	}

	owner := ownerID(r)
	objectPath := storage.UploadPath(owner, header.Filename)
	if err := s.objects.Upload(r.Context(), data, objectPath, header.Header.Get("Content-Type")); err != nil {
		log.Printf("upload store failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job := &core.Job{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Filename:  header.Filename,
		FileSize:  int64(len(data)),
		FileURL:   objectPath,
		Status:    core.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(job); err != nil {
		log.Printf("create job failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := s.queue.Enqueue(jobs.Task{JobID: job.ID}); err != nil {
		s.store.SaveError(job.ID, "queue full", time.Now())
		writeError(w, http.StatusServiceUnavailable, "processing queue is full")
		return
	}

	log.Printf("[job %s] queued %s (%d bytes) for %s", job.ID, job.Filename, job.FileSize, owner)
	core.WriteJSON(w, http.StatusAccepted, job)
}

func (s *Server) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.AllowedExtensionList() {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := core.JobStatus(r.URL.Query().Get("status"))

	list, total, err := s.store.List(ownerID(r), status, limit, offset)
	if err != nil {
		log.Printf("list jobs failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*core.Job{}
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"total": total,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	core.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only terminal jobs can be deleted", job.Status))
		return
	}
	if err := s.manager.DeleteJob(r.Context(), job.ID); err != nil {
		log.Printf("[job %s] delete failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// loadJob fetches the path job and enforces ownership.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*core.Job, bool) {
	job, err := s.store.Get(r.PathValue("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		log.Printf("get job failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	if job.OwnerID != ownerID(r) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func (s *Server) loadCompletedJob(w http.ResponseWriter, r *http.Request) (*core.Job, bool) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return nil, false
	}
	if job.Status != core.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, not COMPLETED", job.Status))
		return nil, false
	}
	return job, true
}

// ========== Transcription retrieval ==========

func (s *Server) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}
	result, err := s.loadResult(r.Context(), job)
	if err != nil {
		log.Printf("[job %s] load transcription failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to load transcription")
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":        job.ID,
		"transcription": result,
		"speaker_names": job.SpeakerNames,
		"edited":        job.EditedText != "",
	})
}

// loadResult reads the stored structured result and applies the job's
// current overrides: the edited text replaces the full text, and speaker
// display names are applied to the full text and each phrase.
func (s *Server) loadResult(ctx context.Context, job *core.Job) (*core.DiarizedResult, error) {
	data, err := s.objects.Download(ctx, job.TranscriptURL)
	if err != nil {
		return nil, err
	}
	var result core.DiarizedResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode stored transcription: %w", err)
	}
	if job.EditedText != "" {
		result.FullText = job.EditedText
	}
	result.FullText = core.ApplySpeakerNames(result.FullText, job.SpeakerNames)
	for i := range result.Phrases {
		result.Phrases[i].Text = core.ApplySpeakerNames(result.Phrases[i].Text, job.SpeakerNames)
	}
	return &result, nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "txt"
	}
	switch format {
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Filename+".txt"))
		io.WriteString(w, job.CurrentText())
	case "json":
		result, err := s.loadResult(r.Context(), job)
		if err != nil {
			log.Printf("[job %s] load transcription failed: %v", job.ID, err)
			writeError(w, http.StatusInternalServerError, "failed to load transcription")
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.Filename+".json"))
		core.WriteJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusBadRequest, "format must be txt or json")
	}
}

// ========== Post-transcription edits ==========

func (s *Server) handleRenameSpeakers(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}

	var body struct {
		SpeakerNames map[string]string `json:"speaker_names"`
	}
	if err := decodeJSON(r, &body); err != nil || len(body.SpeakerNames) == 0 {
		writeError(w, http.StatusBadRequest, "speaker_names map is required")
		return
	}

	if err := s.store.SaveSpeakerNames(job.ID, body.SpeakerNames); err != nil {
		log.Printf("[job %s] save speaker names failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to save speaker names")
		return
	}

	// Renames change the searchable text, so the index is rebuilt from the
	// current text. A rebuild failure does not undo the rename.
	if err := s.manager.RebuildIndex(r.Context(), job.ID); err != nil {
		log.Printf("[job %s] index rebuild after rename failed: %v", job.ID, err)
	}
	core.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEditText(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	// Edits only update the stored text. Existing index chunks keep the old
	// wording until the next rebuild (a speaker rename or index loss).
	if err := s.store.SaveEditedText(job.ID, body.Text); err != nil {
		log.Printf("[job %s] save edited text failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to save edited text")
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ========== Retrieval-augmented endpoints ==========

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}

	var body struct {
		Question string        `json:"question"`
		History  []llm.Message `json:"history"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	if err := s.manager.EnsureIndex(r.Context(), job.ID); err != nil {
		log.Printf("[job %s] ensure index failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "index unavailable")
		return
	}

	results, err := s.index.Search(r.Context(), job.ID, body.Question, s.cfg.MaxContextChunks)
	if err != nil {
		log.Printf("[job %s] search failed: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	chunks := make([]string, len(results))
	sources := make([]map[string]interface{}, len(results))
	for i, res := range results {
		chunks[i] = res.Chunk
		sources[i] = map[string]interface{}{
			"rank":  res.Rank,
			"score": res.Score,
			"text":  truncateRunes(res.Chunk, 200),
		}
	}

	answer, err := s.rag.Answer(r.Context(), body.Question, chunks, body.History, 300, 0.7)
	if err != nil {
		log.Printf("[job %s] answer failed: %v", job.ID, err)
		writeError(w, http.StatusBadGateway, "generation failed")
		return
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"answer":  answer,
		"sources": sources,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}
	if job.Summary != "" {
		core.WriteJSON(w, http.StatusOK, map[string]interface{}{"summary": job.Summary, "cached": true})
		return
	}

	summary, err := s.rag.Summarize(r.Context(), job.CurrentText(), 500, 0.3)
	if err != nil {
		log.Printf("[job %s] summarize failed: %v", job.ID, err)
		writeError(w, http.StatusBadGateway, "generation failed")
		return
	}
	if err := s.store.SaveSummary(job.ID, summary); err != nil {
		log.Printf("[job %s] cache summary failed: %v", job.ID, err)
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{"summary": summary, "cached": false})
}

func (s *Server) handleMinutes(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadCompletedJob(w, r)
	if !ok {
		return
	}
	if job.Minutes != nil {
		core.WriteJSON(w, http.StatusOK, map[string]interface{}{"minutes": job.Minutes, "cached": true})
		return
	}

	minutes, err := s.rag.MeetingMinutes(r.Context(), job.CurrentText(), 1500, 0.3)
	if err != nil {
		log.Printf("[job %s] minutes failed: %v", job.ID, err)
		writeError(w, http.StatusBadGateway, "generation failed")
		return
	}
	if err := s.store.SaveMinutes(job.ID, minutes); err != nil {
		log.Printf("[job %s] cache minutes failed: %v", job.ID, err)
	}
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{"minutes": minutes, "cached": false})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"api_configured": s.cfg.HasValidAPI(),
	})
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
