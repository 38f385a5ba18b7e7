// Package artifactstore holds the logs and build artifacts a worker
// produces for a run (spec.md §4.3's "store the run's logs and binary
// artifacts" step). Two implementations exist: an OCI-backed store for
// production, and a filesystem store used as the default in tests and
// single-host deployments.
package artifactstore

import (
	"context"
	"io"
)

// UploadSet is everything a finished run hands off for durable storage:
// named log files and named build artifacts, both as raw bytes (workers
// buffer these locally before calling finish).
type UploadSet struct {
	Logs      map[string][]byte
	Artifacts map[string][]byte
}

// Store persists and serves a run's logs and artifacts, keyed by log_id.
type Store interface {
	// Store durably saves everything in set under logID.
	Store(ctx context.Context, logID string, set UploadSet) error
	// ListLogs returns the names of log files stored for logID.
	ListLogs(ctx context.Context, logID string) ([]string, error)
	// FetchLog streams the named log file for logID. Callers must Close it.
	FetchLog(ctx context.Context, logID, name string) (io.ReadCloser, error)
	// ListArtifacts returns the names of build artifacts stored for logID.
	ListArtifacts(ctx context.Context, logID string) ([]string, error)
	// FetchArtifact streams the named build artifact for logID.
	FetchArtifact(ctx context.Context, logID, name string) (io.ReadCloser, error)
}

// ErrNotFound is returned by FetchLog/ListLogs when logID is unknown.
type ErrNotFound struct {
	LogID string
	Name  string
}

func (e *ErrNotFound) Error() string {
	if e.Name != "" {
		return "artifactstore: no log " + e.Name + " for run " + e.LogID
	}
	return "artifactstore: no artifacts for run " + e.LogID
}
