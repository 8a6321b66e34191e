package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/hookrelay/internal/hook"
	"github.com/mattjoyce/hookrelay/internal/protocol"
	"github.com/mattjoyce/hookrelay/internal/webhook"
	"github.com/mattjoyce/hookrelay/internal/worker"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		DebugLog:      s.deps.Logs != nil,
	})
}

// handleRunHook handles POST /hooks/{hook}.
// The worker's stdout becomes the response body; its stderr drives the
// session, which decides when the response ends.
func (s *Server) handleRunHook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "hook")
	if _, err := s.deps.Runner.ScriptPath(name); err != nil {
		s.writeError(w, http.StatusNotFound, "hook not found")
		return
	}

	body, ok := s.hookInput(w, r, name)
	if !ok {
		return
	}

	sessionID := uuid.NewString()
	logger := s.logger.With("hook", name, "session_id", sessionID)
	w.Header().Set("X-Session-ID", sessionID)

	out := newHTTPOutput(w)
	defer out.detach()
	sess := s.newSession(name, sessionID, out)

	runCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := s.deps.Runner.Run(runCtx, worker.Invocation{
			Hook:  name,
			Input: body,
			Env:   []string{"HOOK_SESSION_ID=" + sessionID},
		}, sess)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("hook worker timed out")
		default:
			logger.Error("hook worker failed", "error", err)
			sess.Handle(protocol.ErrorMessage(err.Error()))
		}
		sess.Close()
	}()

	select {
	case <-sess.Done():
	case <-r.Context().Done():
		logger.Info("client went away before the response ended")
	}

	// Whatever the worker still has to say can no longer reach the client.
	cancel()
	<-exited

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		sess.Wait()
	}()
}

// hookInput returns the worker's stdin. Signed hooks are read in full and
// verified before anything runs; the rest stream straight through.
func (s *Server) hookInput(w http.ResponseWriter, r *http.Request, name string) (io.Reader, bool) {
	var body io.Reader = r.Body
	if s.config.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}

	secret, signed := s.config.Secrets[name]
	if !signed {
		return body, true
	}

	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if err := webhook.Verify(data, r.Header.Get(s.config.SignatureHeader), secret); err != nil {
		s.logger.Warn("rejected unsigned hook request", "hook", name, "request_id", middleware.GetReqID(r.Context()))
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return bytes.NewReader(data), true
}

func (s *Server) newSession(name, sessionID string, out *httpOutput) *hook.Session {
	cfg := s.config.Session
	cfg.SessionID = sessionID

	deps := hook.Deps{
		Registry: s.deps.Registry,
		Methods:  s.deps.Methods,
		Metrics:  s.deps.Metrics,
	}
	if s.deps.Debug != nil {
		deps.Debug = s.deps.Debug.Sink(name, sessionID)
	}
	return hook.NewSession(cfg, deps, out)
}

// handleHookLogs handles GET /hooks/{hook}/logs?limit=N.
func (s *Server) handleHookLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.writeError(w, http.StatusNotFound, "debug log disabled")
		return
	}
	name := chi.URLParam(r, "hook")

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := s.deps.Logs.Recent(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("failed to read debug log", "hook", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read debug log")
		return
	}

	resp := HookLogsResponse{Hook: name, Entries: make([]LogEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, LogEntry{
			ID:        e.ID,
			SessionID: e.SessionID,
			Entry:     e.Entry,
			CreatedAt: e.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
