package artifactstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maliev/predictionservice/internal/model"
)

// Local is a filesystem-backed Store for development and testing. Each
// artifact is a single file at "<baseDir>/<type>/<modelID>.bin".
type Local struct {
	baseDir string
}

// NewLocal constructs a Local store rooted at baseDir, creating it if
// necessary.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifactstore: create base dir: %w", err)
	}

	return &Local{baseDir: baseDir}, nil
}

var _ Store = (*Local)(nil)

func (l *Local) path(modelID string, t model.Type) string {
	return filepath.Join(l.baseDir, string(t), modelID+".bin")
}

func (l *Local) Upload(_ context.Context, r io.Reader, modelID string, t model.Type) (string, error) {
	dest := l.path(modelID, t)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir: %w", ErrUploadFailed, err)
	}

	// Write to a temp file then rename, so a concurrent Download never
	// observes a partially written artifact and a retried upload overwrites
	// idempotently.
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", ErrUploadFailed, err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()

		return "", fmt.Errorf("%w: write: %w", ErrUploadFailed, err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close: %w", ErrUploadFailed, err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("%w: rename into place: %w", ErrUploadFailed, err)
	}

	return "file://" + dest, nil
}

func (l *Local) Download(_ context.Context, modelID string, t model.Type) (string, error) {
	path := l.path(modelID, t)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s/%s", ErrNotFound, t, modelID)
		}

		return "", fmt.Errorf("%w: stat: %w", ErrDownloadFailed, err)
	}

	return path, nil
}

func (l *Local) Exists(_ context.Context, modelID string, t model.Type) (bool, error) {
	_, err := os.Stat(l.path(modelID, t))
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("artifactstore: stat: %w", err)
}

func (l *Local) Delete(_ context.Context, modelID string, t model.Type) error {
	err := os.Remove(l.path(modelID, t))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifactstore: delete: %w", err)
	}

	return nil
}

func (l *Local) List(_ context.Context, t model.Type) ([]string, error) {
	dir := filepath.Join(l.baseDir, string(t))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("artifactstore: list: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name := e.Name()
		ids = append(ids, name[:len(name)-len(filepath.Ext(name))])
	}

	return ids, nil
}
