package differ

import (
	"bytes"
	"context"
	"encoding/json"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/janitor-project/janitor/internal/httpx"
	"github.com/janitor-project/janitor/internal/store"
)

// candidateLister resolves the (codebase, campaign, baseline, target) quads
// that precache-all sweeps, satisfied by *store.Store.
type candidateLister interface {
	ListCandidates(ctx context.Context) ([]store.Candidate, error)
	LastRun(ctx context.Context, codebase, campaign string) (store.LastRun, error)
}

// Server is the differ's HTTP surface: GET /debdiff, GET /diffoscope,
// POST /precache, POST /precache-all, plus the shared health/ready/metrics
// trio every component exposes.
type Server struct {
	differ     *Differ
	precacher  *Precacher
	candidates candidateLister
}

// NewServer wires a differ HTTP surface. candidates is typically the same
// *store.Store backing precacher's baseline lookups.
func NewServer(d *Differ, precacher *Precacher, candidates candidateLister) *Server {
	return &Server{differ: d, precacher: precacher, candidates: candidates}
}

// Mux builds the routed handler.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debdiff/{old_id}/{new_id}", s.handleDiff(KindDebdiff))
	mux.HandleFunc("GET /diffoscope/{old_id}/{new_id}", s.handleDiff(KindDiffoscope))
	mux.HandleFunc("POST /precache/{old_id}/{new_id}", s.handlePrecacheOne)
	mux.HandleFunc("POST /precache-all", s.handlePrecacheAll)
	httpx.RegisterHealth(mux, nil)
	return mux
}

// contentType maps an Accept header to a differ output content-type,
// per spec.md §4.5's content negotiation: format is derived from Accept,
// never a URL suffix.
func contentType(accept string) (string, bool) {
	switch accept {
	case "", "*/*", "text/plain":
		return "text/plain; charset=utf-8", true
	case "text/markdown":
		return "text/markdown; charset=utf-8", true
	case "text/html":
		return "text/html; charset=utf-8", true
	case "application/json":
		return "application/json", true
	default:
		return "", false
	}
}

func (s *Server) handleDiff(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct, ok := contentType(r.Header.Get("Accept"))
		if !ok {
			httpx.WriteJSONError(w, http.StatusNotAcceptable, "unsupported-media-type", "unsupported Accept header")
			return
		}
		filterBoring, _ := strconv.ParseBool(r.URL.Query().Get("filter_boring"))
		out, err := s.differ.Compute(r.Context(), Request{
			Kind: kind, OldRunID: r.PathValue("old_id"), NewRunID: r.PathValue("new_id"),
			FilterBoring: filterBoring,
		})
		if err != nil {
			httpx.WriteJSONError(w, http.StatusInternalServerError, "compute-failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write(formatDiff(out, ct))
	}
}

// formatDiff renders the raw tool output (always text) into the negotiated
// content-type's envelope. text/plain and text/markdown pass bytes through
// unchanged (the tools already emit readable text); html and json wrap it.
func formatDiff(raw []byte, ct string) []byte {
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return wrapHTML(raw)
	case strings.HasPrefix(ct, "application/json"):
		return wrapJSON(raw)
	default:
		return raw
	}
}

func wrapHTML(raw []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><body><pre>")
	buf.WriteString(html.EscapeString(string(raw)))
	buf.WriteString("</pre></body></html>")
	return buf.Bytes()
}

func wrapJSON(raw []byte) []byte {
	out, _ := json.Marshal(map[string]string{"diff": string(raw)})
	return out
}

func (s *Server) handlePrecacheOne(w http.ResponseWriter, r *http.Request) {
	oldID, newID := r.PathValue("old_id"), r.PathValue("new_id")
	cached := false
	for _, kind := range []Kind{KindDebdiff, KindDiffoscope} {
		key := cacheKey(Request{Kind: kind, OldRunID: oldID, NewRunID: newID, FilterBoring: true})
		if _, ok, _ := s.differ.cache.Get(r.Context(), key); ok {
			cached = true
		}
	}
	if !cached {
		for _, kind := range []Kind{KindDebdiff, KindDiffoscope} {
			if _, err := s.differ.Compute(r.Context(), Request{Kind: kind, OldRunID: oldID, NewRunID: newID, FilterBoring: true}); err != nil {
				httpx.WriteJSONError(w, http.StatusInternalServerError, "compute-failed", err.Error())
				return
			}
		}
	}
	httpx.WriteJSON(w, map[string]bool{"cached": cached})
}

// handlePrecacheAll enqueues a precache for every candidate's baseline vs
// effective-run pair, optionally narrowed by a ?codebase= filter. Runs
// asynchronously: the response returns as soon as the sweep is enqueued.
func (s *Server) handlePrecacheAll(w http.ResponseWriter, r *http.Request) {
	filterCodebase := r.URL.Query().Get("codebase")
	candidates, err := s.candidates.ListCandidates(r.Context())
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "list-candidates-failed", err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	enqueued := 0
	for _, c := range candidates {
		if filterCodebase != "" && c.Codebase != filterCodebase {
			continue
		}
		last, err := s.candidates.LastRun(ctx, c.Codebase, c.Campaign)
		if err != nil || last.LastEffectiveRunID == "" {
			continue
		}
		baseline, ok, err := s.baselineOf(ctx, c.Codebase, c.Campaign)
		if err != nil || !ok || baseline == last.LastEffectiveRunID {
			continue
		}
		for _, kind := range []Kind{KindDebdiff, KindDiffoscope} {
			s.precacher.enqueue(ctx, Request{Kind: kind, OldRunID: baseline, NewRunID: last.LastEffectiveRunID, FilterBoring: true})
		}
		enqueued++
	}
	httpx.WriteJSON(w, map[string]int{"enqueued": enqueued})
}

func (s *Server) baselineOf(ctx context.Context, codebase, campaign string) (string, bool, error) {
	bl, ok := s.candidates.(baselineLookup)
	if !ok {
		return "", false, nil
	}
	return bl.BaselineRun(ctx, codebase, campaign)
}
