package publisher_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/publisher"
	"github.com/janitor-project/janitor/internal/store"
)

// openTestStore mirrors internal/store's own integration test helper:
// Postgres can't be opened in-process, so this is gated on
// JANITOR_TEST_DATABASE_URL and skipped otherwise.
func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("JANITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JANITOR_TEST_DATABASE_URL not set, skipping publisher HTTP integration test")
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

func newTestServer(t *testing.T) *publisher.Server {
	t.Helper()
	st := openTestStore(t)
	bus := eventbus.NewBus(8)
	p := publisher.New(st, bus, nil, publisher.DefaultConfig(), zap.NewNop())
	return publisher.NewServer(p)
}

func TestScanWithNoOpenProposals(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPutAndGetPolicy(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(store.Policy{
		Name: "lintian-fixes", Mode: "propose", Frequency: time.Hour, RateLimitBucket: "default",
	})
	putReq := httptest.NewRequest(http.MethodPut, "/policy", bytes.NewReader(body))
	putRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusOK {
		t.Fatalf("PUT /policy status = %d, want 200, body = %s", putRec.Code, putRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/policy/lintian-fixes", nil)
	getRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GET /policy status = %d, want 200, body = %s", getRec.Code, getRec.Body.String())
	}

	var policy store.Policy
	if err := json.Unmarshal(getRec.Body.Bytes(), &policy); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if policy.Mode != "propose" {
		t.Fatalf("policy.Mode = %q, want propose", policy.Mode)
	}
}

func TestGetUnknownPolicyIs404(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/policy/no-such-policy", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetRateLimits(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/rate-limits", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats publisher.RateLimitStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode rate limits: %v", err)
	}
	if !stats.PushesAllowedNow {
		t.Fatal("a fresh PushLimiter should allow pushes")
	}
}

func TestGetMergeProposalsEmpty(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/merge-proposals?campaign=lintian-fixes", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var mps []store.MergeProposal
	if err := json.Unmarshal(rec.Body.Bytes(), &mps); err != nil {
		t.Fatalf("decode merge proposals: %v", err)
	}
	if len(mps) != 0 {
		t.Fatalf("len(mps) = %d, want 0", len(mps))
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Mux().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
