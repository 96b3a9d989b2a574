package speech

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClient struct {
	statuses   []JobStatus
	statusErrs []error
	calls      int
	files      []ResultFile
	downloads  map[string][]byte
}

func (f *fakeClient) CreateJob(ctx context.Context, contentURL, locale, displayName string) (string, error) {
	return "remote-1", nil
}

func (f *fakeClient) GetStatus(ctx context.Context, remoteID string) (*JobStatus, error) {
	i := f.calls
	f.calls++
	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return nil, f.statusErrs[i]
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	st := f.statuses[i]
	return &st, nil
}

func (f *fakeClient) ListResultFiles(ctx context.Context, remoteID string) ([]ResultFile, error) {
	return f.files, nil
}

func (f *fakeClient) DownloadResult(ctx context.Context, contentURL string) ([]byte, error) {
	data, ok := f.downloads[contentURL]
	if !ok {
		return nil, errors.New("unknown url")
	}
	return data, nil
}

func TestPollUntilTerminalSucceeds(t *testing.T) {
	fc := &fakeClient{statuses: []JobStatus{
		{Status: StatusRunning},
		{Status: StatusRunning},
		{Status: StatusSucceeded, Duration: "PT2S"},
	}}
	p := NewPoller(fc)

	polls := 0
	start := time.Now()
	st, err := p.PollUntilTerminal(context.Background(), "remote-1", time.Minute, 20*time.Millisecond,
		func(elapsed, maxWait time.Duration) { polls++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != StatusSucceeded {
		t.Errorf("status = %q", st.Status)
	}
	if polls < 2 {
		t.Errorf("polls = %d, want >= 2", polls)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned after %v, expected at least two intervals", elapsed)
	}
}

func TestPollUntilTerminalFailed(t *testing.T) {
	fc := &fakeClient{statuses: []JobStatus{
		{Status: StatusFailed, Error: "bad media"},
	}}
	p := NewPoller(fc)

	_, err := p.PollUntilTerminal(context.Background(), "remote-1", time.Minute, time.Millisecond, nil)
	if !errors.Is(err, ErrRemoteFailed) {
		t.Fatalf("error = %v, want ErrRemoteFailed", err)
	}
}

func TestPollUntilTerminalTimesOut(t *testing.T) {
	fc := &fakeClient{statuses: []JobStatus{{Status: StatusRunning}}}
	p := NewPoller(fc)

	_, err := p.PollUntilTerminal(context.Background(), "remote-1", 30*time.Millisecond, 10*time.Millisecond, nil)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("error = %v, want ErrPollTimeout", err)
	}
	if fc.calls < 2 {
		t.Errorf("calls = %d, want >= 2", fc.calls)
	}
}

func TestPollUntilTerminalRetriesTransientErrors(t *testing.T) {
	fc := &fakeClient{
		statusErrs: []error{errors.New("connection reset"), nil},
		statuses:   []JobStatus{{}, {Status: StatusSucceeded}},
	}
	p := NewPoller(fc)

	st, err := p.PollUntilTerminal(context.Background(), "remote-1", time.Minute, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != StatusSucceeded {
		t.Errorf("status = %q", st.Status)
	}
}

func TestDownloadResultPicksTranscriptionFile(t *testing.T) {
	fc := &fakeClient{
		files: []ResultFile{
			{Kind: "TranscriptionReport", ContentURL: "http://x/report"},
			{Kind: "Transcription", ContentURL: "http://x/result"},
		},
		downloads: map[string][]byte{"http://x/result": []byte(`{"duration":"PT1S"}`)},
	}
	p := NewPoller(fc)

	data, err := p.DownloadResult(context.Background(), "remote-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"duration":"PT1S"}` {
		t.Errorf("data = %s", data)
	}
}

func TestDownloadResultNoTranscriptionFile(t *testing.T) {
	fc := &fakeClient{files: []ResultFile{{Kind: "TranscriptionReport", ContentURL: "http://x/report"}}}
	p := NewPoller(fc)

	if _, err := p.DownloadResult(context.Background(), "remote-1"); err == nil {
		t.Fatal("expected error when no transcription file exists")
	}
}
