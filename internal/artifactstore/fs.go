package artifactstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// FSStore stores logs and artifacts as plain files under BaseDir,
// one subdirectory per run. It is the store cmd/runner and cmd/differ
// open; OCIStore is the registry-backed alternative.
type FSStore struct {
	BaseDir string
}

// NewFSStore creates an FSStore rooted at baseDir, creating it if absent.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{BaseDir: baseDir}, nil
}

func (s *FSStore) runDir(logID string) string {
	return filepath.Join(s.BaseDir, filepath.Clean("/"+logID))
}

func (s *FSStore) Store(_ context.Context, logID string, set UploadSet) error {
	dir := s.runDir(logID)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return err
	}
	for name, data := range set.Logs {
		if err := os.WriteFile(filepath.Join(dir, "logs", filepath.Base(name)), data, 0o644); err != nil {
			return err
		}
	}
	for name, data := range set.Artifacts {
		if err := os.WriteFile(filepath.Join(dir, "artifacts", filepath.Base(name)), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSStore) ListLogs(_ context.Context, logID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.runDir(logID), "logs"))
	if os.IsNotExist(err) {
		return nil, &ErrNotFound{LogID: logID}
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) FetchLog(_ context.Context, logID, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.runDir(logID), "logs", filepath.Base(name)))
	if os.IsNotExist(err) {
		return nil, &ErrNotFound{LogID: logID, Name: name}
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FSStore) ListArtifacts(_ context.Context, logID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.runDir(logID), "artifacts"))
	if os.IsNotExist(err) {
		return nil, &ErrNotFound{LogID: logID}
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) FetchArtifact(_ context.Context, logID, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.runDir(logID), "artifacts", filepath.Base(name)))
	if os.IsNotExist(err) {
		return nil, &ErrNotFound{LogID: logID, Name: name}
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
