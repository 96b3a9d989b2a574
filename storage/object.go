package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ObjectStore is the blob-storage collaborator holding uploaded media and
// derived transcription artifacts.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, objectPath, contentType string) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	// PresignedURL returns a time-limited read URL the remote speech
	// service can fetch the object from.
	PresignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, objectPath string) error
	// DeletePrefix removes every object below prefix. Missing prefixes are
	// not an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// UploadPath namespaces uploaded media per owner.
func UploadPath(ownerID, filename string) string {
	return fmt.Sprintf("uploads/%s/%d_%s", ownerID, time.Now().Unix(), filename)
}

// ResultPath namespaces derived artifacts per job.
func ResultPath(jobID, artifact string) string {
	return path.Join("results", jobID, artifact)
}

// LocalObjectStore keeps objects on the local filesystem. Presigned URLs
// degrade to file:// URLs; useful for development and tests, swapped for a
// cloud-backed implementation in production.
type LocalObjectStore struct {
	root string
}

func NewLocalObjectStore(root string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &LocalObjectStore{root: root}, nil
}

func (s *LocalObjectStore) resolve(objectPath string) (string, error) {
	clean := path.Clean("/" + objectPath)
	if clean == "/" {
		return "", fmt.Errorf("empty object path")
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *LocalObjectStore) Upload(ctx context.Context, data []byte, objectPath, contentType string) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", objectPath, err)
	}
	return nil
}

func (s *LocalObjectStore) Download(ctx context.Context, objectPath string) ([]byte, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectPath, err)
	}
	return data, nil
}

func (s *LocalObjectStore) PresignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *LocalObjectStore) Delete(ctx context.Context, objectPath string) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", objectPath, err)
	}
	return nil
}

func (s *LocalObjectStore) DeletePrefix(ctx context.Context, prefix string) error {
	full, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}
