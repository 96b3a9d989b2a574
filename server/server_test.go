package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"audia/config"
	"audia/core"
	"audia/jobs"
	"audia/speech"
	"audia/storage"
)

// stubIndex satisfies the vector index without embedding anything.
type stubIndex struct {
	deleted []string
}

func (s *stubIndex) Build(ctx context.Context, jobID, text string, meta map[string]string) (*storage.IndexStats, error) {
	return &storage.IndexStats{JobID: jobID, NumChunks: 1, Dimension: 8}, nil
}

func (s *stubIndex) Search(ctx context.Context, jobID, query string, topK int) ([]storage.SearchResult, error) {
	return nil, storage.ErrIndexNotFound
}

func (s *stubIndex) Update(ctx context.Context, jobID, newText string) error { return nil }

func (s *stubIndex) Delete(jobID string) error {
	s.deleted = append(s.deleted, jobID)
	return nil
}

func (s *stubIndex) Exists(jobID string) bool { return false }

func newTestServer(t *testing.T) (*Server, *jobs.Store) {
	t.Helper()
	cfg := &config.Config{
		APIKey:            "test-key",
		BaseURL:           "http://localhost",
		MaxUploadSizeMB:   1,
		AllowedExtensions: "mp3",
		MaxContextChunks:  5,
	}
	store, err := jobs.NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	objects, err := storage.NewLocalObjectStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	index := &stubIndex{}
	manager := jobs.NewManager(store, objects, speech.NewPoller(nil), index,
		"pt-BR", time.Second, time.Millisecond, 1, time.Millisecond)
	return New(cfg, store, objects, nil, manager, index, nil), store
}

func seedJob(t *testing.T, store *jobs.Store, id string, completed bool) {
	t.Helper()
	job := &core.Job{
		ID:        id,
		OwnerID:   "alice",
		Filename:  "meeting.mp3",
		FileURL:   "uploads/alice/1_meeting.mp3",
		Status:    core.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := store.Create(job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if completed {
		if err := store.MarkProcessing(id, time.Now()); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
		if err := store.SaveCompleted(id, "results/"+id+"/transcription.json", "hello", 2.0, time.Now()); err != nil {
			t.Fatalf("save completed: %v", err)
		}
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDeleteJobEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Routes()
	seedJob(t, store, "j1", true)

	rec := doRequest(t, h, http.MethodDelete, "/api/jobs/j1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := store.Get("j1"); err == nil {
		t.Error("job still present after delete")
	}
}

func TestDeleteJobEndpointRejectsInFlight(t *testing.T) {
	srv, store := newTestServer(t)
	h := srv.Routes()
	seedJob(t, store, "j1", false)

	rec := doRequest(t, h, http.MethodDelete, "/api/jobs/j1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if _, err := store.Get("j1"); err != nil {
		t.Errorf("queued job was deleted: %v", err)
	}
}

func TestDeleteJobEndpointUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Routes(), http.MethodDelete, "/api/jobs/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthReportsAPIConfiguration(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Routes(), http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status        string `json:"status"`
		APIConfigured bool   `json:"api_configured"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || !body.APIConfigured {
		t.Errorf("health = %+v", body)
	}
}
