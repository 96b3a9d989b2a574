package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"audia/core"
	"audia/speech"
	"audia/storage"
)

const rawResult = `{
	"combinedRecognizedPhrases": [{"display": "Speaker 1 said hello. Speaker 2 agreed."}],
	"duration": "PT2S",
	"recognizedPhrases": [
		{"speaker": 1, "offset": "PT0S", "duration": "PT1S",
		 "nBest": [{"display": "Speaker 1 said hello.", "confidence": 0.9}]},
		{"speaker": 2, "offset": "PT1S", "duration": "PT1S",
		 "nBest": [{"display": "Speaker 2 agreed.", "confidence": 0.8}]}
	]
}`

// fakeSpeechClient succeeds or fails per remote job in creation order.
type fakeSpeechClient struct {
	mu       sync.Mutex
	created  int
	statuses []string
}

func (f *fakeSpeechClient) CreateJob(ctx context.Context, contentURL, locale, displayName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "remote-" + strings.Repeat("i", f.created), nil
}

func (f *fakeSpeechClient) GetStatus(ctx context.Context, remoteID string) (*speech.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.created - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return &speech.JobStatus{RemoteID: remoteID, Status: f.statuses[i], Duration: "PT2S"}, nil
}

func (f *fakeSpeechClient) ListResultFiles(ctx context.Context, remoteID string) ([]speech.ResultFile, error) {
	return []speech.ResultFile{{Kind: "Transcription", ContentURL: "http://fake/result"}}, nil
}

func (f *fakeSpeechClient) DownloadResult(ctx context.Context, contentURL string) ([]byte, error) {
	return []byte(rawResult), nil
}

// fakeIndex records builds without embedding anything.
type fakeIndex struct {
	mu     sync.Mutex
	built  map[string]string
	builds int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{built: map[string]string{}}
}

func (f *fakeIndex) Build(ctx context.Context, jobID, text string, meta map[string]string) (*storage.IndexStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built[jobID] = text
	f.builds++
	return &storage.IndexStats{JobID: jobID, NumChunks: 1, Dimension: 8}, nil
}

func (f *fakeIndex) Search(ctx context.Context, jobID, query string, topK int) ([]storage.SearchResult, error) {
	return nil, storage.ErrIndexNotFound
}

func (f *fakeIndex) Update(ctx context.Context, jobID, newText string) error { return nil }

func (f *fakeIndex) Delete(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.built, jobID)
	return nil
}

func (f *fakeIndex) Exists(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.built[jobID]
	return ok
}

func (f *fakeIndex) lastText(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[jobID]
}

func newTestManager(t *testing.T, client speech.Client, index storage.VectorIndex, maxAttempts int) (*Manager, *Store, *storage.LocalObjectStore) {
	t.Helper()
	store := newTestStore(t)
	objects, err := storage.NewLocalObjectStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	m := NewManager(store, objects, speech.NewPoller(client), index,
		"pt-BR", time.Second, time.Millisecond, maxAttempts, time.Millisecond)
	return m, store, objects
}

func seedUpload(t *testing.T, store *Store, objects *storage.LocalObjectStore, id string) {
	t.Helper()
	job := newTestJob(id)
	if err := objects.Upload(context.Background(), []byte("fake audio"), job.FileURL, "audio/mpeg"); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	if err := store.Create(job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestManagerProcessCompletes(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}
	index := newFakeIndex()
	m, store, objects := newTestManager(t, client, index, 1)
	seedUpload(t, store, objects, "j1")

	if err := m.Process(context.Background(), Task{JobID: "j1"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := store.Get("j1")
	if job.Status != core.StatusCompleted {
		t.Fatalf("status = %s, error = %q", job.Status, job.ErrorMessage)
	}
	if job.Progress != 1.0 {
		t.Errorf("progress = %v, want 1.0", job.Progress)
	}
	if job.DurationSeconds != 2.0 {
		t.Errorf("duration = %v, want 2.0", job.DurationSeconds)
	}
	if !strings.Contains(job.TranscriptText, "Speaker 1 said hello.") {
		t.Errorf("transcript = %q", job.TranscriptText)
	}
	if !index.Exists("j1") {
		t.Error("index not built")
	}

	// Both artifacts landed in the object store.
	data, err := objects.Download(context.Background(), job.TranscriptURL)
	if err != nil {
		t.Fatalf("download artifact: %v", err)
	}
	var stored core.DiarizedResult
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("stored artifact not valid JSON: %v", err)
	}
	if len(stored.Phrases) != 2 || len(stored.Speakers) != 2 {
		t.Errorf("stored result = %+v", stored)
	}
	if _, err := objects.Download(context.Background(), storage.ResultPath("j1", "transcription.txt")); err != nil {
		t.Errorf("text artifact missing: %v", err)
	}
}

func TestManagerRetriesFailedRemoteJob(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusFailed, speech.StatusSucceeded}}
	index := newFakeIndex()
	m, store, objects := newTestManager(t, client, index, 2)
	seedUpload(t, store, objects, "j1")

	if err := m.Process(context.Background(), Task{JobID: "j1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := store.Get("j1")
	if job.Status != core.StatusCompleted {
		t.Fatalf("status = %s after retry, error = %q", job.Status, job.ErrorMessage)
	}
	if client.created != 2 {
		t.Errorf("remote jobs created = %d, want 2", client.created)
	}
}

func TestManagerExhaustedRetriesLeaveJobFailed(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusFailed}}
	m, store, objects := newTestManager(t, client, newFakeIndex(), 2)
	seedUpload(t, store, objects, "j1")

	err := m.Process(context.Background(), Task{JobID: "j1"})
	if !errors.Is(err, speech.ErrRemoteFailed) {
		t.Fatalf("error = %v, want ErrRemoteFailed", err)
	}
	job, _ := store.Get("j1")
	if job.Status != core.StatusFailed || job.ErrorMessage == "" {
		t.Errorf("job = %+v", job)
	}
}

func TestManagerSkipsCompletedJob(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}
	index := newFakeIndex()
	m, store, objects := newTestManager(t, client, index, 1)
	seedUpload(t, store, objects, "j1")

	if err := m.Process(context.Background(), Task{JobID: "j1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	builds := index.builds
	if err := m.Process(context.Background(), Task{JobID: "j1"}); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if index.builds != builds {
		t.Error("completed job was reprocessed")
	}
}

func TestManagerRebuildIndexUsesCurrentText(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}
	index := newFakeIndex()
	m, store, objects := newTestManager(t, client, index, 1)
	seedUpload(t, store, objects, "j1")

	if err := m.Process(context.Background(), Task{JobID: "j1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := store.SaveSpeakerNames("j1", map[string]string{"1": "Ana"}); err != nil {
		t.Fatalf("save names: %v", err)
	}
	if err := m.RebuildIndex(context.Background(), "j1"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	text := index.lastText("j1")
	if !strings.Contains(text, "Ana said hello.") {
		t.Errorf("rebuilt index text = %q, speaker rename not applied", text)
	}
	if strings.Contains(text, "Speaker 1") {
		t.Errorf("rebuilt index text = %q, old label still present", text)
	}
}

func TestManagerRebuildRequiresCompleted(t *testing.T) {
	m, store, objects := newTestManager(t, &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}, newFakeIndex(), 1)
	seedUpload(t, store, objects, "j1")

	if err := m.RebuildIndex(context.Background(), "j1"); err == nil {
		t.Fatal("expected error for queued job")
	}
}

func TestManagerShutdownLeavesJobProcessing(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusRunning}}
	m, store, objects := newTestManager(t, client, newFakeIndex(), 3)
	seedUpload(t, store, objects, "j1")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Process(ctx, Task{JobID: "j1"}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	// Interrupted jobs must not be marked FAILED: they stay PROCESSING so
	// the next start requeues them.
	job, err := store.Get("j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != core.StatusProcessing {
		t.Fatalf("status = %s, error = %q, want PROCESSING", job.Status, job.ErrorMessage)
	}
	pending, err := store.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	found := false
	for _, p := range pending {
		if p.ID == "j1" {
			found = true
		}
	}
	if !found {
		t.Error("interrupted job not in pending set")
	}
}

func TestManagerDeleteJob(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}
	index := newFakeIndex()
	m, store, objects := newTestManager(t, client, index, 1)
	seedUpload(t, store, objects, "j1")

	if err := m.Process(context.Background(), Task{JobID: "j1"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := store.Get("j1")

	if err := m.DeleteJob(context.Background(), "j1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("j1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("job still present: %v", err)
	}
	if index.Exists("j1") {
		t.Error("index still present")
	}
	if _, err := objects.Download(context.Background(), job.FileURL); err == nil {
		t.Error("media still present")
	}
	if _, err := objects.Download(context.Background(), job.TranscriptURL); err == nil {
		t.Error("artifacts still present")
	}
}

func TestManagerDeleteJobRequiresTerminal(t *testing.T) {
	m, store, objects := newTestManager(t, &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}, newFakeIndex(), 1)
	seedUpload(t, store, objects, "j1")

	if err := m.DeleteJob(context.Background(), "j1"); err == nil {
		t.Fatal("expected error for queued job")
	}
	if _, err := store.Get("j1"); err != nil {
		t.Errorf("queued job was deleted: %v", err)
	}
}

func TestManagerCleanupRemovesOldJobs(t *testing.T) {
	client := &fakeSpeechClient{statuses: []string{speech.StatusSucceeded}}
	index := newFakeIndex()
	m, store, objects := newTestManager(t, client, index, 1)

	old := newTestJob("old")
	old.CreatedAt = time.Now().AddDate(0, 0, -100)
	objects.Upload(context.Background(), []byte("audio"), old.FileURL, "audio/mpeg")
	store.Create(old)
	if err := m.Process(context.Background(), Task{JobID: "old"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := m.Cleanup(context.Background(), time.Now().AddDate(0, 0, -90)); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := store.Get("old"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("job still present: %v", err)
	}
	if index.Exists("old") {
		t.Error("index still present after cleanup")
	}
}
