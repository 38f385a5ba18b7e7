package runner

import (
	"encoding/json"
	"net/http"

	"github.com/janitor-project/janitor/internal/artifactstore"
	"github.com/janitor-project/janitor/internal/httpx"
	"github.com/janitor-project/janitor/internal/store"
)

// Server is the runner's HTTP surface: the worker protocol (assign, peek,
// finish, ping) plus the admin operations (kill, schedule, active runs,
// log retrieval), per spec.md §4.3/§6.1.
type Server struct {
	runner    *Runner
	auth      *store.Store
	artifacts artifactstore.Store
}

// NewServer wires a runner HTTP surface.
func NewServer(r *Runner, auth *store.Store, artifacts artifactstore.Store) *Server {
	return &Server{runner: r, auth: auth, artifacts: artifacts}
}

// Mux builds the routed handler.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /assign", s.workerAuth(s.handleAssign))
	mux.HandleFunc("GET /peek", s.handlePeek)
	mux.HandleFunc("POST /finish/{log_id}", s.workerAuth(s.handleFinish))
	mux.HandleFunc("POST /ping/{log_id}", s.workerAuth(s.handlePing))
	mux.HandleFunc("POST /kill/{log_id}", s.handleKill)
	mux.HandleFunc("GET /active-runs", s.handleActiveRuns)
	mux.HandleFunc("GET /run/{log_id}", s.handleGetRun)
	mux.HandleFunc("POST /schedule", s.handleSchedule)
	mux.HandleFunc("POST /schedule-control", s.handleSchedule)
	mux.HandleFunc("GET /log/{log_id}", s.handleLogIndex)
	mux.HandleFunc("GET /log/{log_id}/{filename}", s.handleLogFile)
	httpx.RegisterHealth(mux, nil)
	return mux
}

// workerAuth wraps handler with HTTP Basic credential verification against
// the enrolled worker table.
func (s *Server) workerAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="janitor-runner"`)
			httpx.WriteJSONError(w, http.StatusUnauthorized, "auth-required", "worker credentials required")
			return
		}
		verified, err := s.auth.CheckWorkerCredentials(r.Context(), name, password)
		if err != nil {
			httpx.WriteJSONError(w, http.StatusInternalServerError, "auth-check-failed", err.Error())
			return
		}
		if !verified {
			httpx.WriteJSONError(w, http.StatusUnauthorized, "invalid-credentials", "invalid worker credentials")
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	worker, _, _ := r.BasicAuth()
	envelope, err := s.runner.Assign(r.Context(), worker, assignFiltersFromRequest(r))
	if err != nil {
		writeAssignError(w, err)
		return
	}
	httpx.WriteJSON(w, envelope)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	envelope, err := s.runner.Peek(r.Context(), assignFiltersFromRequest(r))
	if err != nil {
		writeAssignError(w, err)
		return
	}
	httpx.WriteJSON(w, envelope)
}

// assignFiltersFromRequest reads the optional campaign/codebase/my_url/
// jenkins_build_url filters of spec.md §4.3's assign/peek ops from the
// query string.
func assignFiltersFromRequest(r *http.Request) store.AssignFilters {
	q := r.URL.Query()
	return store.AssignFilters{
		Campaign:        q.Get("campaign"),
		Codebase:        q.Get("codebase"),
		MyURL:           q.Get("my_url"),
		JenkinsBuildURL: q.Get("jenkins_build_url"),
	}
}

func writeAssignError(w http.ResponseWriter, err error) {
	if err == ErrEmptyQueue {
		httpx.WriteJSONError(w, http.StatusNotFound, "empty-queue", err.Error())
		return
	}
	httpx.WriteJSONError(w, http.StatusConflict, "assignment-failed", err.Error())
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	logID := r.PathValue("log_id")

	var body struct {
		Result    ResultEnvelope    `json:"result"`
		Logs      map[string]string `json:"logs,omitempty"`
		Artifacts map[string]string `json:"artifacts,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}

	set := artifactstore.UploadSet{Logs: map[string][]byte{}, Artifacts: map[string][]byte{}}
	for name, content := range body.Logs {
		set.Logs[name] = []byte(content)
	}
	for name, content := range body.Artifacts {
		set.Artifacts[name] = []byte(content)
	}

	if err := s.runner.Finish(r.Context(), logID, body.Result, set, s.artifacts); err != nil {
		if store.IsAlreadyFinished(err) {
			httpx.WriteJSONError(w, http.StatusConflict, "already-finished", err.Error())
			return
		}
		if err == store.ErrConflict {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown-run", err.Error())
			return
		}
		httpx.WriteJSONError(w, http.StatusInternalServerError, "upload-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Heartbeat(r.Context(), r.PathValue("log_id")); err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "unknown-run", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Kill(r.Context(), r.PathValue("log_id")); err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "unknown-run", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runner.GetActiveRuns(r.Context())
	if err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "list-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.auth.GetRun(r.Context(), r.PathValue("log_id"))
	if err != nil {
		if store.IsNotFound(err) {
			httpx.WriteJSONError(w, http.StatusNotFound, "unknown-run", err.Error())
			return
		}
		httpx.WriteJSONError(w, http.StatusInternalServerError, "get-run-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, run)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var item store.QueueItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "invalid-body", err.Error())
		return
	}
	id, err := s.runner.Schedule(r.Context(), item)
	if err != nil {
		if store.IsConflict(err) {
			httpx.WriteJSONError(w, http.StatusConflict, "already-queued", err.Error())
			return
		}
		httpx.WriteJSONError(w, http.StatusInternalServerError, "schedule-failed", err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]int64{"queue_id": id})
}

func (s *Server) handleLogIndex(w http.ResponseWriter, r *http.Request) {
	names, err := s.artifacts.ListLogs(r.Context(), r.PathValue("log_id"))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "not-found", err.Error())
		return
	}
	httpx.WriteJSON(w, names)
}

func (s *Server) handleLogFile(w http.ResponseWriter, r *http.Request) {
	rc, err := s.artifacts.FetchLog(r.Context(), r.PathValue("log_id"), r.PathValue("filename"))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "not-found", err.Error())
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	buf := make([]byte, 32*1024)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}
}
