package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote batch transcription statuses.
const (
	StatusNotStarted = "NotStarted"
	StatusRunning    = "Running"
	StatusSucceeded  = "Succeeded"
	StatusFailed     = "Failed"
)

// JobStatus is one observation of a remote transcription job.
type JobStatus struct {
	RemoteID string
	Status   string
	Error    string
	Duration string
}

// ResultFile is one downloadable artifact of a finished remote job.
type ResultFile struct {
	Kind       string
	ContentURL string
}

// Client talks to the remote batch speech-to-text service.
type Client interface {
	CreateJob(ctx context.Context, contentURL, locale, displayName string) (remoteID string, err error)
	GetStatus(ctx context.Context, remoteID string) (*JobStatus, error)
	ListResultFiles(ctx context.Context, remoteID string) ([]ResultFile, error)
	DownloadResult(ctx context.Context, contentURL string) ([]byte, error)
}

// BatchClient implements Client against the batch transcription REST API
// (v3.1-style endpoints with subscription-key auth).
type BatchClient struct {
	endpoint string
	key      string
	hc       *http.Client
}

func NewBatchClient(endpoint, key string) *BatchClient {
	return &BatchClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		key:      key,
		hc:       &http.Client{Timeout: 60 * time.Second},
	}
}

type createRequest struct {
	ContentURLs []string         `json:"contentUrls"`
	Locale      string           `json:"locale"`
	DisplayName string           `json:"displayName"`
	Properties  createProperties `json:"properties"`
}

type createProperties struct {
	DiarizationEnabled         bool   `json:"diarizationEnabled"`
	WordLevelTimestampsEnabled bool   `json:"wordLevelTimestampsEnabled"`
	PunctuationMode            string `json:"punctuationMode"`
	ProfanityFilterMode        string `json:"profanityFilterMode"`
	TimeToLive                 string `json:"timeToLive"`
}

type transcriptionResponse struct {
	Self       string `json:"self"`
	Status     string `json:"status"`
	Properties struct {
		Duration string          `json:"duration"`
		Error    json.RawMessage `json:"error"`
	} `json:"properties"`
}

func (c *BatchClient) CreateJob(ctx context.Context, contentURL, locale, displayName string) (string, error) {
	body := createRequest{
		ContentURLs: []string{contentURL},
		Locale:      locale,
		DisplayName: displayName,
		Properties: createProperties{
			DiarizationEnabled:         true,
			WordLevelTimestampsEnabled: true,
			PunctuationMode:            "DictatedAndAutomatic",
			ProfanityFilterMode:        "Masked",
			TimeToLive:                 "P1D",
		},
	}
	var resp transcriptionResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint+"/transcriptions", body, &resp); err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}
	if resp.Self == "" {
		return "", fmt.Errorf("create transcription: response missing self link")
	}
	parts := strings.Split(strings.TrimRight(resp.Self, "/"), "/")
	return parts[len(parts)-1], nil
}

func (c *BatchClient) GetStatus(ctx context.Context, remoteID string) (*JobStatus, error) {
	var resp transcriptionResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint+"/transcriptions/"+remoteID, nil, &resp); err != nil {
		return nil, fmt.Errorf("get transcription %s: %w", remoteID, err)
	}
	st := &JobStatus{
		RemoteID: remoteID,
		Status:   resp.Status,
		Duration: resp.Properties.Duration,
	}
	if len(resp.Properties.Error) > 0 {
		st.Error = string(resp.Properties.Error)
	}
	return st, nil
}

func (c *BatchClient) ListResultFiles(ctx context.Context, remoteID string) ([]ResultFile, error) {
	var resp struct {
		Values []struct {
			Kind  string `json:"kind"`
			Links struct {
				ContentURL string `json:"contentUrl"`
			} `json:"links"`
		} `json:"values"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint+"/transcriptions/"+remoteID+"/files", nil, &resp); err != nil {
		return nil, fmt.Errorf("list transcription files %s: %w", remoteID, err)
	}
	files := make([]ResultFile, 0, len(resp.Values))
	for _, v := range resp.Values {
		files = append(files, ResultFile{Kind: v.Kind, ContentURL: v.Links.ContentURL})
	}
	return files, nil
}

func (c *BatchClient) DownloadResult(ctx context.Context, contentURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download result: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *BatchClient) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 300))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
