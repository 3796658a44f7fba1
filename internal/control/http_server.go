package control

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hcfes/stimtune/internal/store"
	"github.com/hcfes/stimtune/pkg/models"
)

// HTTPServer serves the operator endpoints of one session. History, when set,
// also answers for sessions that finished earlier in this process.
type HTTPServer struct {
	mux     *http.ServeMux
	session Session
	history *store.MemoryStore
	log     *slog.Logger
}

func NewHTTPServer(sess Session, history *store.MemoryStore, log *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		mux:     http.NewServeMux(),
		session: sess,
		history: history,
		log:     log,
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/v1/session", s.handleSession)
	s.mux.HandleFunc("/v1/session/trials", s.handleTrials)
	s.mux.HandleFunc("/v1/session:abort", s.handleAbort)
	s.mux.HandleFunc("/v1/session/manual", s.handleManual)
	s.mux.HandleFunc("/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("/v1/sessions/", s.handleSessionByID)

	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSession handles GET /v1/session
func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Status())
}

// handleTrials handles GET /v1/session/trials. ?since=N skips trials with a lower index.
func (s *HTTPServer) handleTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	trials := s.session.Trials()
	out := make([]models.TrialRecord, 0, len(trials))
	for _, t := range trials {
		if t.Index >= since {
			out = append(out, t)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trials": out})
}

// handleAbort handles POST /v1/session:abort
func (s *HTTPServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.session.Abort()
	st := s.session.Status()
	s.log.Warn("abort requested over http", "session_id", st.SessionID, "remote", r.RemoteAddr)
	s.writeJSON(w, http.StatusAccepted, st)
}

// handleManual handles POST /v1/session/manual with a parameter vector body
func (s *HTTPServer) handleManual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var v models.ParameterVector
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(v.Settings) == 0 {
		s.writeError(w, http.StatusBadRequest, "settings are required")
		return
	}

	queued, err := s.session.SubmitManual(v)
	if err != nil {
		code, _ := classify(err)
		s.writeError(w, code, err.Error())
		return
	}
	s.log.Info("manual parameters queued", "parameters", queued.String())
	s.writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

// handleListSessions handles GET /v1/sessions
func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"sessions": []any{}})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs := s.history.List(limit)
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, sessionSummary(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSessionByID handles GET /v1/sessions/{id}
func (s *HTTPServer) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "session ID is required")
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rec, ok := s.history.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	body := sessionSummary(rec)
	body["trials"] = rec.Trials
	if rec.Result != nil {
		body["result"] = rec.Result
	}
	s.writeJSON(w, http.StatusOK, body)
}

func sessionSummary(rec store.SessionRecord) map[string]any {
	out := map[string]any{
		"session_id": rec.SessionID,
		"trials":     len(rec.Trials),
		"finished":   rec.Result != nil,
		"updated_at": rec.UpdatedAt,
	}
	if rec.Meta != nil {
		out["mode"] = rec.Meta.Mode
		out["started_at"] = rec.Meta.StartedAt
	}
	if rec.Result != nil {
		out["stop_reason"] = rec.Result.StopReason
		if rec.Result.HasBest {
			out["best_objective"] = rec.Result.BestObjective
		}
	}
	return out
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
