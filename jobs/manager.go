package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"audia/core"
	"audia/speech"
	"audia/storage"
)

// Progress checkpoints reported while a job moves through the pipeline.
// Polling interpolates between pollStart and pollEnd based on elapsed time.
const (
	progressStarted    = 0.1
	progressURLReady   = 0.2
	progressRemoteSent = 0.3
	progressPollCap    = 0.8
	progressDownloaded = 0.85
	progressIndexed    = 0.9
)

const presignTTL = 48 * time.Hour

// Manager owns the transcription pipeline: it drives each job from QUEUED
// through the remote speech service to a searchable index.
type Manager struct {
	store   *Store
	objects storage.ObjectStore
	speech  *speech.Poller
	index   storage.VectorIndex

	locale       string
	maxWait      time.Duration
	pollInterval time.Duration
	maxAttempts  int
	retryDelay   time.Duration
}

func NewManager(store *Store, objects storage.ObjectStore, poller *speech.Poller, index storage.VectorIndex,
	locale string, maxWait, pollInterval time.Duration, maxAttempts int, retryDelay time.Duration) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Manager{
		store:        store,
		objects:      objects,
		speech:       poller,
		index:        index,
		locale:       locale,
		maxWait:      maxWait,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
	}
}

// Process runs the full pipeline for one task, retrying the whole pipeline
// up to maxAttempts with a fixed delay between attempts. A job that is
// already COMPLETED (requeued by a stale restart) is skipped.
func (m *Manager) Process(ctx context.Context, task Task) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("[job %s] attempt %d/%d after %s", task.JobID, attempt, m.maxAttempts, m.retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retryDelay):
			}
		}

		lastErr = m.runPipeline(ctx, task.JobID)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		log.Printf("[job %s] pipeline attempt %d failed: %v", task.JobID, attempt, lastErr)
	}
	return lastErr
}

func (m *Manager) runPipeline(ctx context.Context, jobID string) (err error) {
	job, err := m.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status == core.StatusCompleted {
		log.Printf("[job %s] already completed, skipping", jobID)
		return nil
	}

	defer func() {
		if err == nil {
			return
		}
		// A cancellation from worker shutdown is not a job failure: the job
		// stays PROCESSING so Pending() requeues it on the next start.
		if errors.Is(err, context.Canceled) {
			log.Printf("[job %s] interrupted by shutdown, left for requeue", jobID)
			return
		}
		if saveErr := m.store.SaveError(jobID, err.Error(), time.Now()); saveErr != nil {
			log.Printf("[job %s] failed to record error: %v", jobID, saveErr)
		}
	}()

	if err := m.store.MarkProcessing(jobID, time.Now()); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	m.progress(jobID, progressStarted)

	contentURL, err := m.objects.PresignedURL(ctx, job.FileURL, presignTTL)
	if err != nil {
		return fmt.Errorf("presign media: %w", err)
	}
	m.progress(jobID, progressURLReady)

	remoteID, err := m.speech.Create(ctx, contentURL, m.locale, job.Filename)
	if err != nil {
		return fmt.Errorf("create remote job: %w", err)
	}
	if err := m.store.SetRemoteJob(jobID, remoteID); err != nil {
		return err
	}
	m.progress(jobID, progressRemoteSent)

	_, err = m.speech.PollUntilTerminal(ctx, remoteID, m.maxWait, m.pollInterval, func(elapsed, maxWait time.Duration) {
		p := progressRemoteSent + (elapsed.Seconds()/maxWait.Seconds())*0.5
		if p > progressPollCap {
			p = progressPollCap
		}
		m.progress(jobID, p)
	})
	if err != nil {
		return fmt.Errorf("remote job %s: %w", remoteID, err)
	}

	raw, err := m.speech.DownloadResult(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("download result: %w", err)
	}
	m.progress(jobID, progressDownloaded)

	result, err := speech.ParseTranscription(raw)
	if err != nil {
		return err
	}

	transcriptURL, err := m.storeArtifacts(ctx, jobID, result)
	if err != nil {
		return err
	}

	_, err = m.index.Build(ctx, jobID, result.FullText, map[string]string{
		"filename": job.Filename,
		"duration": fmt.Sprintf("%.1f", result.DurationSeconds),
		"speakers": fmt.Sprintf("%d", len(result.Speakers)),
	})
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	m.progress(jobID, progressIndexed)

	if err := m.store.SaveCompleted(jobID, transcriptURL, result.FullText, result.DurationSeconds, time.Now()); err != nil {
		return err
	}
	log.Printf("[job %s] completed, %.1fs of audio, %d speakers", jobID, result.DurationSeconds, len(result.Speakers))
	return nil
}

// storeArtifacts persists the structured result and a plain-text rendering
// next to it, returning the path of the structured document.
func (m *Manager) storeArtifacts(ctx context.Context, jobID string, result *core.DiarizedResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcription: %w", err)
	}
	jsonPath := storage.ResultPath(jobID, "transcription.json")
	if err := m.objects.Upload(ctx, data, jsonPath, "application/json"); err != nil {
		return "", fmt.Errorf("store transcription: %w", err)
	}
	txtPath := storage.ResultPath(jobID, "transcription.txt")
	if err := m.objects.Upload(ctx, []byte(result.FullText), txtPath, "text/plain"); err != nil {
		return "", fmt.Errorf("store transcript text: %w", err)
	}
	return jsonPath, nil
}

func (m *Manager) progress(jobID string, p float64) {
	if err := m.store.SetProgress(jobID, p); err != nil {
		log.Printf("[job %s] failed to set progress %.2f: %v", jobID, p, err)
	}
}

// RebuildIndex replaces the job's index with one built from the current
// text, picking up speaker renames and edits.
func (m *Manager) RebuildIndex(ctx context.Context, jobID string) error {
	job, err := m.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status != core.StatusCompleted {
		return fmt.Errorf("job %s is not completed", jobID)
	}
	_, err = m.index.Build(ctx, jobID, job.CurrentText(), map[string]string{
		"filename": job.Filename,
		"duration": fmt.Sprintf("%.1f", job.DurationSeconds),
	})
	return err
}

// EnsureIndex builds the index on demand when it is missing, so retrieval
// keeps working after an index directory loss.
func (m *Manager) EnsureIndex(ctx context.Context, jobID string) error {
	if m.index.Exists(jobID) {
		return nil
	}
	log.Printf("[job %s] index missing, rebuilding", jobID)
	return m.RebuildIndex(ctx, jobID)
}

// DeleteJob removes a single terminal job and everything derived from it.
// Jobs still in flight cannot be deleted.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	job, err := m.store.Get(jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s, only terminal jobs can be deleted", jobID, job.Status)
	}
	m.removeJobData(ctx, job)
	return m.store.Delete(jobID)
}

// Cleanup removes terminal jobs created before cutoff along with their
// stored objects and indexes.
func (m *Manager) Cleanup(ctx context.Context, cutoff time.Time) error {
	old, err := m.store.TerminalOlderThan(cutoff)
	if err != nil {
		return err
	}
	for _, job := range old {
		m.removeJobData(ctx, job)
		if err := m.store.Delete(job.ID); err != nil {
			log.Printf("[job %s] cleanup: delete row: %v", job.ID, err)
		}
	}
	if len(old) > 0 {
		log.Printf("cleanup removed %d old jobs", len(old))
	}
	return nil
}

// removeJobData deletes the job's media, derived artifacts, and index.
// Failures are logged and skipped so one missing object never blocks the rest.
func (m *Manager) removeJobData(ctx context.Context, job *core.Job) {
	if job.FileURL != "" {
		if err := m.objects.Delete(ctx, job.FileURL); err != nil {
			log.Printf("[job %s] delete media: %v", job.ID, err)
		}
	}
	if err := m.objects.DeletePrefix(ctx, storage.ResultPath(job.ID, "")); err != nil {
		log.Printf("[job %s] delete artifacts: %v", job.ID, err)
	}
	if err := m.index.Delete(job.ID); err != nil {
		log.Printf("[job %s] delete index: %v", job.ID, err)
	}
}
