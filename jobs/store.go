package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"audia/core"
)

// ErrJobNotFound is returned when no job exists for the given id.
var ErrJobNotFound = errors.New("job not found")

// Store persists jobs in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		file_url TEXT NOT NULL,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		remote_job_id TEXT,
		transcript_url TEXT,
		transcript_text TEXT,
		edited_text TEXT,
		speaker_names_json TEXT,
		summary TEXT,
		minutes_json TEXT,
		duration_seconds REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs (owner_id, created_at);
	CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);`)
	if err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(job *core.Job) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs (id, owner_id, filename, file_size, file_url, status, progress, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerID, job.Filename, job.FileSize, job.FileURL,
		string(job.Status), job.Progress, job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_id, filename, file_size, file_url, status, progress,
	remote_job_id, transcript_url, transcript_text, edited_text, speaker_names_json,
	summary, minutes_json, duration_seconds, error_message, created_at, started_at, completed_at`

func (s *Store) Get(id string) (*core.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns the owner's jobs newest first, optionally filtered by status,
// along with the total count before pagination.
func (s *Store) List(ownerID string, status core.JobStatus, limit, offset int) ([]*core.Job, int, error) {
	where := `WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

// MarkProcessing moves a queued (or retried failed) job into PROCESSING and
// stamps started_at. Returns ErrJobNotFound when the job is missing or in a
// state that does not allow the transition.
func (s *Store) MarkProcessing(id string, startedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, started_at = ?, error_message = NULL
		WHERE id = ? AND status IN (?, ?)`,
		string(core.StatusProcessing), startedAt.UTC().Format(time.RFC3339Nano),
		id, string(core.StatusQueued), string(core.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return requireRow(res)
}

// SetProgress raises the progress checkpoint. Progress never moves backwards
// and only changes while the job is PROCESSING.
func (s *Store) SetProgress(id string, progress float64) error {
	_, err := s.db.Exec(`UPDATE jobs
		SET progress = MAX(progress, ?)
		WHERE id = ? AND status = ?`,
		progress, id, string(core.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

func (s *Store) SetRemoteJob(id, remoteJobID string) error {
	_, err := s.db.Exec(`UPDATE jobs SET remote_job_id = ? WHERE id = ?`, remoteJobID, id)
	if err != nil {
		return fmt.Errorf("set remote job: %w", err)
	}
	return nil
}

// SaveCompleted finalizes a successful pipeline run.
func (s *Store) SaveCompleted(id, transcriptURL, transcriptText string, durationSeconds float64, completedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, progress = 1.0, transcript_url = ?, transcript_text = ?,
			duration_seconds = ?, error_message = NULL, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(core.StatusCompleted), transcriptURL, transcriptText,
		durationSeconds, completedAt.UTC().Format(time.RFC3339Nano),
		id, string(core.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("save completed: %w", err)
	}
	return requireRow(res)
}

// SaveError marks the job FAILED. Completed jobs are never demoted.
func (s *Store) SaveError(id, errMsg string, completedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status != ?`,
		string(core.StatusFailed), errMsg, completedAt.UTC().Format(time.RFC3339Nano),
		id, string(core.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return nil
}

// Artifact writers below require COMPLETED: derived artifacts only exist for
// finished transcriptions.

func (s *Store) SaveSummary(id, summary string) error {
	return s.updateCompleted(id, `summary = ?`, summary)
}

func (s *Store) SaveMinutes(id string, minutes *core.MeetingMinutes) error {
	data, err := json.Marshal(minutes)
	if err != nil {
		return fmt.Errorf("encode minutes: %w", err)
	}
	return s.updateCompleted(id, `minutes_json = ?`, string(data))
}

func (s *Store) SaveSpeakerNames(id string, names map[string]string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode speaker names: %w", err)
	}
	return s.updateCompleted(id, `speaker_names_json = ?`, string(data))
}

func (s *Store) SaveEditedText(id, text string) error {
	return s.updateCompleted(id, `edited_text = ?`, text)
}

func (s *Store) updateCompleted(id, setClause string, value interface{}) error {
	res, err := s.db.Exec(`UPDATE jobs SET `+setClause+` WHERE id = ? AND status = ?`,
		value, id, string(core.StatusCompleted))
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return requireRow(res)
}

// Pending returns jobs that were in flight when the process last stopped,
// oldest first, for requeueing at startup.
func (s *Store) Pending() ([]*core.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) ORDER BY created_at ASC`,
		string(core.StatusQueued), string(core.StatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TerminalOlderThan returns terminal jobs created before cutoff, for cleanup.
func (s *Store) TerminalOlderThan(cutoff time.Time) ([]*core.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND created_at < ?`,
		string(core.StatusCompleted), string(core.StatusFailed),
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list old jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan old job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		job       core.Job
		status    string
		remoteID  sql.NullString
		url       sql.NullString
		text      sql.NullString
		edited    sql.NullString
		speakers  sql.NullString
		summary   sql.NullString
		minutes   sql.NullString
		errMsg    sql.NullString
		createdAt string
		startedAt sql.NullString
		doneAt    sql.NullString
	)
	err := row.Scan(&job.ID, &job.OwnerID, &job.Filename, &job.FileSize, &job.FileURL,
		&status, &job.Progress, &remoteID, &url, &text, &edited, &speakers,
		&summary, &minutes, &job.DurationSeconds, &errMsg, &createdAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	job.Status = core.JobStatus(status)
	job.RemoteJobID = remoteID.String
	job.TranscriptURL = url.String
	job.TranscriptText = text.String
	job.EditedText = edited.String
	job.Summary = summary.String
	job.ErrorMessage = errMsg.String

	// Stored JSON blobs are best-effort: an unreadable blob degrades to nil
	// rather than failing the whole read.
	if speakers.Valid && speakers.String != "" {
		var names map[string]string
		if json.Unmarshal([]byte(speakers.String), &names) == nil {
			job.SpeakerNames = names
		}
	}
	if minutes.Valid && minutes.String != "" {
		var m core.MeetingMinutes
		if json.Unmarshal([]byte(minutes.String), &m) == nil {
			job.Minutes = &m
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			job.StartedAt = &t
		}
	}
	if doneAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, doneAt.String); err == nil {
			job.CompletedAt = &t
		}
	}
	return &job, nil
}
