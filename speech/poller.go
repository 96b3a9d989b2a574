package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"audia/core"
)

var (
	// ErrPollTimeout is returned when the remote job stays non-terminal past
	// the configured deadline.
	ErrPollTimeout = errors.New("remote transcription did not finish in time")
	// ErrRemoteFailed is returned when the remote job reports Failed.
	ErrRemoteFailed = errors.New("remote transcription failed")
)

const (
	createAttempts = 3
	fetchAttempts  = 3
	retryBackoff   = 2 * time.Second
)

// Poller drives a remote transcription job from creation to a terminal
// status, retrying transient transport errors on every call.
type Poller struct {
	client Client
}

func NewPoller(client Client) *Poller {
	return &Poller{client: client}
}

// Create submits a remote job for the media at contentURL.
func (p *Poller) Create(ctx context.Context, contentURL, locale, displayName string) (string, error) {
	var remoteID string
	err := core.Retry(ctx, createAttempts, retryBackoff, func() error {
		var err error
		remoteID, err = p.client.CreateJob(ctx, contentURL, locale, displayName)
		return err
	})
	return remoteID, err
}

// PollUntilTerminal polls the remote job until it reports Succeeded, reports
// Failed, exceeds maxWait, or the context is cancelled. onPoll runs after
// every non-terminal observation with the elapsed time so callers can report
// progress.
func (p *Poller) PollUntilTerminal(ctx context.Context, remoteID string, maxWait, interval time.Duration, onPoll func(elapsed, maxWait time.Duration)) (*JobStatus, error) {
	start := time.Now()
	for {
		var st *JobStatus
		err := core.Retry(ctx, fetchAttempts, retryBackoff, func() error {
			var err error
			st, err = p.client.GetStatus(ctx, remoteID)
			return err
		})
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case StatusSucceeded:
			return st, nil
		case StatusFailed:
			if st.Error != "" {
				return st, fmt.Errorf("%w: %s", ErrRemoteFailed, st.Error)
			}
			return st, ErrRemoteFailed
		}

		elapsed := time.Since(start)
		if onPoll != nil {
			onPoll(elapsed, maxWait)
		}
		if elapsed >= maxWait {
			log.Printf("remote job %s still %s after %s", remoteID, st.Status, elapsed.Round(time.Second))
			return st, ErrPollTimeout
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// DownloadResult fetches the diarized transcription document of a succeeded
// remote job.
func (p *Poller) DownloadResult(ctx context.Context, remoteID string) ([]byte, error) {
	var files []ResultFile
	err := core.Retry(ctx, fetchAttempts, retryBackoff, func() error {
		var err error
		files, err = p.client.ListResultFiles(ctx, remoteID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var url string
	for _, f := range files {
		if f.Kind == "Transcription" {
			url = f.ContentURL
			break
		}
	}
	if url == "" {
		return nil, fmt.Errorf("remote job %s has no transcription result file", remoteID)
	}

	var data []byte
	err = core.Retry(ctx, fetchAttempts, retryBackoff, func() error {
		var err error
		data, err = p.client.DownloadResult(ctx, url)
		return err
	})
	return data, err
}
