// Package api exposes course-building sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/course-builder-go/observe"
	eventstore "github.com/PipeOpsHQ/course-builder-go/observe/store"
	"github.com/PipeOpsHQ/course-builder-go/session"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Addr        string
	Prefix      string
	CORSOrigins []string
	Sessions    *session.Manager
	// Hub feeds live events to stream subscribers. Optional.
	Hub *observe.Hub
	// Log backs the stream backlog and the metrics summary. Optional.
	Log     eventstore.Store
	Sweeper *session.Sweeper
	// Schema returns the JSON schema of the session requirements.
	Schema func() ([]byte, error)
}

type Server struct {
	cfg     Config
	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
	once    sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8000"
	}
	if prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/"); prefix != "" {
		cfg.Prefix = "/" + prefix
	} else {
		cfg.Prefix = ""
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.registerRoutes()
	s.handler = otelhttp.NewHandler(withCORS(cfg.CORSOrigins, s.mux), "course-api")
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	log.Printf("[api] listening on %s%s", s.cfg.Addr, s.cfg.Prefix)

	select {
	case <-ctx.Done():
		log.Printf("[api] shutdown signal received, stopping")
		if err := s.Close(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			log.Printf("[api] shutdown error: %v", outErr)
		}
	})
	return outErr
}

func (s *Server) registerRoutes() {
	p := s.cfg.Prefix
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc(p+"/sessions", s.handleSessions)
	s.mux.HandleFunc(p+"/sessions/", s.handleSessionSubresources)
	s.mux.HandleFunc(p+"/schema/requirements", s.handleSchema)
	s.mux.HandleFunc(p+"/metrics/summary", s.handleMetrics)
	s.mux.HandleFunc(p+"/sweeps", s.handleSweeps)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
	case http.MethodPost:
		var req createSessionRequest
		if err := decodeJSON(r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		st := s.cfg.Sessions.CreateSession(r.Context(), req.Title)
		writeJSON(w, http.StatusOK, createSessionResponse{SessionID: st.SessionID, RunID: st.RunID, Status: st.Status})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleSessionSubresources(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, s.cfg.Prefix+"/sessions/"))
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id is required"))
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		st, err := s.cfg.Sessions.Get(id)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported session endpoint"))
		return
	}

	switch parts[1] {
	case "messages":
		s.onlyMethod(w, r, http.MethodPost, func() { s.handleMessage(w, r, id) })
	case "progress":
		s.onlyMethod(w, r, http.MethodGet, func() {
			progress, err := s.cfg.Sessions.Progress(r.Context(), id)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, progress)
		})
	case "artifacts":
		s.onlyMethod(w, r, http.MethodGet, func() {
			artifacts, err := s.cfg.Sessions.Artifacts(r.Context(), id)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
		})
	case "history":
		s.onlyMethod(w, r, http.MethodGet, func() {
			query := r.URL.Query()
			events, err := s.cfg.Sessions.History(r.Context(), id, parseInt(query.Get("limit"), 200), parseKinds(query.Get("kind"))...)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, events)
		})
	case "feedback":
		s.onlyMethod(w, r, http.MethodPost, func() { s.handleFeedback(w, r, id) })
	case "resume":
		s.onlyMethod(w, r, http.MethodPost, func() {
			st, err := s.cfg.Sessions.Resume(r.Context(), id)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	case "cancel":
		s.onlyMethod(w, r, http.MethodPost, func() {
			st, err := s.cfg.Sessions.Cancel(r.Context(), id)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	case "events":
		s.onlyMethod(w, r, http.MethodGet, func() { s.handleSSE(w, r, id) })
	case "ws":
		s.onlyMethod(w, r, http.MethodGet, func() { s.handleWebsocket(w, r, id) })
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported session endpoint"))
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, id string) {
	var msg session.Message
	if err := decodeJSON(r, &msg, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.cfg.Sessions.PostMessage(r.Context(), id, msg)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type feedbackRequest struct {
	Gate     string `json:"gate"`
	Feedback any    `json:"feedback"`
	Resume   bool   `json:"resume"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, id string) {
	var req feedbackRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.cfg.Sessions.DepositFeedback(r.Context(), id, req.Gate, req.Feedback)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if req.Resume {
		st, err = s.cfg.Sessions.Resume(r.Context(), id)
		if err != nil {
			writeSessionError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.Schema == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no requirements schema configured"))
		return
	}
	raw, err := s.cfg.Schema()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.Log == nil {
		writeJSON(w, http.StatusOK, eventstore.MetricsSummary{})
		return
	}
	var query eventstore.MetricsQuery
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("since must be RFC3339: %w", err))
			return
		}
		query.Since = &since
	}
	metrics, err := s.cfg.Log.AggregateMetrics(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sweeper == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("auto-resume is disabled"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"next_run": s.cfg.Sweeper.NextRun(),
			"history":  s.cfg.Sweeper.History(parseInt(r.URL.Query().Get("limit"), 20)),
		})
	case http.MethodPost:
		resumed, err := s.cfg.Sweeper.Trigger(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resumed": resumed})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) onlyMethod(w http.ResponseWriter, r *http.Request, method string, fn func()) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	fn()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

// decodeJSON reads a JSON body. An empty body is accepted only when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	allowAll := false
	allowed := map[string]bool{}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && origin != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseKinds reads a comma separated kind filter such as "session,gate".
func parseKinds(raw string) []observe.Kind {
	var kinds []observe.Kind
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, observe.Kind(part))
		}
	}
	return kinds
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
