package differ

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/store"
)

type fakeCandidates struct {
	candidates []store.Candidate
	lastRun    store.LastRun
	baseline   string
	baselineOK bool
}

func (f fakeCandidates) ListCandidates(context.Context) ([]store.Candidate, error) {
	return f.candidates, nil
}

func (f fakeCandidates) LastRun(context.Context, string, string) (store.LastRun, error) {
	return f.lastRun, nil
}

func (f fakeCandidates) BaselineRun(context.Context, string, string) (string, bool, error) {
	return f.baseline, f.baselineOK, nil
}

func newTestServer(candidates candidateLister) (*Server, *fakeArtifacts) {
	artifacts := &fakeArtifacts{}
	d := newTestDiffer(artifacts, newFakeCache())
	bus := eventbus.NewBus(8)
	p := NewPrecacher(d, candidates.(baselineLookup), bus, DefaultPrecacheConfig(), zap.NewNop())
	return NewServer(d, p, candidates), artifacts
}

func TestContentTypeNegotiation(t *testing.T) {
	cases := []struct {
		accept string
		wantOK bool
	}{
		{"", true},
		{"*/*", true},
		{"text/plain", true},
		{"text/markdown", true},
		{"text/html", true},
		{"application/json", true},
		{"application/xml", false},
	}
	for _, c := range cases {
		_, ok := contentType(c.accept)
		if ok != c.wantOK {
			t.Errorf("contentType(%q) ok = %v, want %v", c.accept, ok, c.wantOK)
		}
	}
}

func TestHandleDiffUnsupportedAcceptIs406(t *testing.T) {
	srv, _ := newTestServer(fakeCandidates{})
	req := httptest.NewRequest(http.MethodGet, "/debdiff/old/new", nil)
	req.Header.Set("Accept", "application/xml")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotAcceptable)
	}
}

func TestHandleDiffReturnsTextPlainByDefault(t *testing.T) {
	srv, _ := newTestServer(fakeCandidates{})
	req := httptest.NewRequest(http.MethodGet, "/debdiff/old/new", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandleDiffWrapsJSON(t *testing.T) {
	srv, _ := newTestServer(fakeCandidates{})
	req := httptest.NewRequest(http.MethodGet, "/diffoscope/old/new", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandlePrecacheAllEnqueuesDifferingPairs(t *testing.T) {
	candidates := fakeCandidates{
		candidates: []store.Candidate{{Codebase: "widget", Campaign: "lintian-fixes"}},
		lastRun:    store.LastRun{LastEffectiveRunID: "run-new"},
		baseline:   "run-old",
		baselineOK: true,
	}
	srv, _ := newTestServer(candidates)
	req := httptest.NewRequest(http.MethodPost, "/precache-all", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePrecacheAllSkipsWhenBaselineIsEffective(t *testing.T) {
	candidates := fakeCandidates{
		candidates: []store.Candidate{{Codebase: "widget", Campaign: "lintian-fixes"}},
		lastRun:    store.LastRun{LastEffectiveRunID: "run-same"},
		baseline:   "run-same",
		baselineOK: true,
	}
	srv, artifacts := newTestServer(candidates)
	req := httptest.NewRequest(http.MethodPost, "/precache-all", nil)
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if n := artifacts.listCalls.Load(); n != 0 {
		t.Fatalf("ListArtifacts called %d times, want 0 when baseline already matches the effective run", n)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(fakeCandidates{})
	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Mux().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
