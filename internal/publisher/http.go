package publisher

import (
	"encoding/json"
	"net/http"

	"github.com/janitor-project/janitor/internal/httpx"
	"github.com/janitor-project/janitor/internal/store"
)

// Server is the publisher's admin HTTP surface: consider, publish, scan,
// autopublish, check-stragglers, merge proposal get/update, policy
// get/put, rate limits, and blockers, per spec.md §4.4's operation table.
// Unlike the runner, none of these are worker-facing, so no Basic auth
// middleware is wired here.
type Server struct {
	publisher *Publisher
}

// NewServer wires a publisher HTTP surface.
func NewServer(p *Publisher) *Server {
	return &Server{publisher: p}
}

// Mux builds the routed handler.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /consider/{log_id}", s.handleConsider)
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("POST /autopublish", s.handleAutopublish)
	mux.HandleFunc("POST /check-stragglers", s.handleCheckStragglers)
	mux.HandleFunc("GET /merge-proposals", s.handleGetMergeProposals)
	mux.HandleFunc("POST /merge-proposals/update", s.handleUpdateMergeProposal)
	mux.HandleFunc("GET /policy/{name}", s.handleGetPolicy)
	mux.HandleFunc("PUT /policy", s.handlePutPolicy)
	mux.HandleFunc("GET /rate-limits", s.handleRateLimits)
	mux.HandleFunc("GET /blockers/{log_id}", s.handleBlockers)
	httpx.RegisterHealth(mux, nil)
	return mux
}

func (s *Server) handleConsider(w http.ResponseWriter, r *http.Request) {
	decisions, blockers, err := s.publisher.Consider(r.Context(), r.PathValue("log_id"))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "consider-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]any{"decisions": decisions, "blockers": blockers})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Codebase string `json:"codebase"`
		Campaign string `json:"campaign"`
		Mode     string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	if err := s.publisher.Publish(r.Context(), body.Codebase, body.Campaign, body.Mode); err != nil {
		httpx.WriteJSONError(w, http.StatusConflict, "publish-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	n, err := s.publisher.Scan(r.Context())
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "scan-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]int{"scanned": n})
}

func (s *Server) handleAutopublish(w http.ResponseWriter, r *http.Request) {
	n, err := s.publisher.Autopublish(r.Context())
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "autopublish-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]int{"published": n})
}

func (s *Server) handleCheckStragglers(w http.ResponseWriter, r *http.Request) {
	n, err := s.publisher.CheckStragglers(r.Context())
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "check-stragglers-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]int{"closed": n})
}

func (s *Server) handleGetMergeProposals(w http.ResponseWriter, r *http.Request) {
	mps, err := s.publisher.GetMergeProposals(r.Context(), r.URL.Query().Get("campaign"))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "list-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, mps)
}

func (s *Server) handleUpdateMergeProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string                    `json:"url"`
		Status store.MergeProposalStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	if err := s.publisher.UpdateMergeProposal(r.Context(), body.URL, body.Status); err != nil {
		if store.IsNotFound(err) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown-proposal", err.Error())
			return
		}
		httpx.WriteJSONError(w, http.StatusInternalServerError, "update-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.publisher.GetPolicy(r.Context(), r.PathValue("name"))
	if err != nil {
		if store.IsNotFound(err) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown-policy", err.Error())
			return
		}
		httpx.WriteJSONError(w, http.StatusInternalServerError, "get-policy-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, policy)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var policy store.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	if err := s.publisher.PutPolicy(r.Context(), policy); err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "put-policy-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, s.publisher.GetRateLimits(r.Context()))
}

func (s *Server) handleBlockers(w http.ResponseWriter, r *http.Request) {
	blockers, err := s.publisher.GetBlockers(r.Context(), r.PathValue("log_id"))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "blockers-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, blockers)
}
