// Package httpx holds the request/response plumbing shared by every
// component's HTTP surface (runner, publisher, differ): a consistent
// JSON error envelope and the GET /health, /ready, /metrics trio every
// component exposes (spec.md §6.2).
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIError is the standard error response body.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSONError writes a consistent JSON error response.
func WriteJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// WriteJSON writes v as a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ReadyFunc reports whether the component is ready to serve traffic
// (e.g. the state store is reachable), and if not, why.
type ReadyFunc func() (ready bool, reason string)

// RegisterHealth registers GET /health, GET /ready, GET /metrics on mux.
// /health always reports ok once the process is up; /ready defers to
// readyFn so a component with an unreachable dependency reports 503
// per spec.md §6.2 rather than pretending to be usable.
func RegisterHealth(mux *http.ServeMux, readyFn ReadyFunc) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		ready, reason := true, ""
		if readyFn != nil {
			ready, reason = readyFn()
		}
		if !ready {
			WriteJSONError(w, http.StatusServiceUnavailable, "not-ready", reason)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}
