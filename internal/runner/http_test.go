package runner_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/artifactstore"
	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/runner"
	"github.com/janitor-project/janitor/internal/store"
)

// openTestStore mirrors internal/store's own integration test helper:
// Postgres can't be opened in-process, so this is gated on
// JANITOR_TEST_DATABASE_URL and skipped otherwise.
func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("JANITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JANITOR_TEST_DATABASE_URL not set, skipping runner HTTP integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestServer(t *testing.T) (*runner.Server, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	bus := eventbus.NewBus(8)
	r := runner.New(st, bus, runner.DefaultConfig(), zap.NewNop())

	artifacts, err := artifactstore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if err := st.EnrollWorker(context.Background(), "worker-1", "s3cr3t"); err != nil {
		t.Fatalf("EnrollWorker: %v", err)
	}
	return runner.NewServer(r, st, artifacts), st
}

func TestAssignRequiresWorkerAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/assign", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAssignRejectsWrongCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/assign", nil)
	req.SetBasicAuth("worker-1", "wrong-password")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAssignWithCorrectCredentialsOnEmptyQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/assign", nil)
	req.SetBasicAuth("worker-1", "s3cr3t")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (empty queue), body = %s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestPeekDoesNotRequireWorkerAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/peek", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (empty queue)", rec.Code, http.StatusNotFound)
	}
}

func TestActiveRunsIsAdminOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/active-runs", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without any worker credentials", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Mux().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
