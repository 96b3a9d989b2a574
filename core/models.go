package core

import "time"

// ========== Job lifecycle ==========

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further pipeline transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one user-submitted transcription request tracked end to end.
// The pipeline is the only writer while the job is non-terminal; after
// COMPLETED only the derived artifact fields (summary, minutes, speaker
// overrides, edited text) may still change.
type Job struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
	FileURL  string `json:"file_url"`

	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`

	RemoteJobID string `json:"remote_job_id,omitempty"`

	TranscriptURL   string            `json:"transcript_url,omitempty"`
	TranscriptText  string            `json:"transcript_text,omitempty"`
	EditedText      string            `json:"edited_text,omitempty"`
	SpeakerNames    map[string]string `json:"speaker_names,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Minutes         *MeetingMinutes   `json:"meeting_minutes,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentText is the text retrieval and generation should operate on: the
// user edit when present, otherwise the original transcript, with speaker
// display-name overrides applied.
func (j *Job) CurrentText() string {
	text := j.TranscriptText
	if j.EditedText != "" {
		text = j.EditedText
	}
	return ApplySpeakerNames(text, j.SpeakerNames)
}

// ========== Diarized transcription ==========

// Phrase is one recognized utterance attributed to a speaker.
type Phrase struct {
	Speaker    int     `json:"speaker"`
	Text       string  `json:"text"`
	Start      float64 `json:"start_time"`
	End        float64 `json:"end_time"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
}

// SpeakerAggregate collects a speaker's utterances in transcript order.
type SpeakerAggregate struct {
	SpeakerID int      `json:"speaker_id"`
	Texts     []string `json:"texts"`
}

// DiarizedResult is the structured form of a raw recognition result.
// Derived deterministically from the same raw input; immutable once stored.
type DiarizedResult struct {
	FullText        string             `json:"full_text"`
	Phrases         []Phrase           `json:"phrases"`
	Speakers        []SpeakerAggregate `json:"speakers"`
	DurationSeconds float64            `json:"duration_seconds"`
}

// ========== Generated artifacts ==========

type MeetingMinutes struct {
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Topics      []MinutesTopic `json:"topics"`
	ActionItems []ActionItem   `json:"action_items"`
	Decisions   []string       `json:"decisions"`
	NextSteps   []string       `json:"next_steps"`
}

type MinutesTopic struct {
	Topic      string `json:"topic"`
	Discussion string `json:"discussion"`
}

type ActionItem struct {
	Item        string `json:"item"`
	Responsible string `json:"responsible"`
	Deadline    string `json:"deadline"`
}
