// Package server exposes the gateway over HTTP: task submission,
// status, cancellation, an SSE event stream per task, plus health,
// stats, audit, and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/warden/pkg/access"
	"github.com/odvcencio/warden/pkg/audit"
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/errors"
	"github.com/odvcencio/warden/pkg/events"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/task"
	"github.com/odvcencio/warden/pkg/validate"
)

// IdentityHeader names the header carrying the caller identity.
// Authenticating that identity is the fronting proxy's job, not ours.
const IdentityHeader = "X-Warden-Identity"

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	mgr        *task.Manager
	emitter    events.Emitter
	sink       audit.Sink
	access     *access.Controller
	log        *logging.Logger
	httpServer *http.Server
}

// New creates the server and its routes.
func New(
	cfg *config.Config,
	mgr *task.Manager,
	emitter events.Emitter,
	sink audit.Sink,
	controller *access.Controller,
	log *logging.Logger,
) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		emitter: emitter,
		sink:    sink,
		access:  controller,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks", s.handleList)
		r.Get("/tasks/{id}", s.handleStatus)
		r.Post("/tasks/{id}/cancel", s.handleCancel)
		r.Delete("/tasks/{id}", s.handleDelete)
		r.Get("/tasks/{id}/events", s.handleStream)
		r.Get("/stats", s.handleStats)
		r.Get("/audit", s.handleAudit)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open for the task's lifetime
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func identityFrom(r *http.Request) string {
	return r.Header.Get(IdentityHeader)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Tools) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready", "reason": "tool whitelist is empty",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// SubmitRequest is the request body for task submission.
type SubmitRequest struct {
	Tool string   `json:"tool"`
	Args []string `json:"args"`
	// TimeoutSeconds optionally tightens the tool's timeout.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	WorkDir        string `json:"work_dir,omitempty"`
	// Priority is advisory. Admission either succeeds or fails
	// immediately, so no queue consults it.
	Priority int `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := validate.Request{
		Tool:     body.Tool,
		Args:     body.Args,
		Identity: identityFrom(r),
		Timeout:  time.Duration(body.TimeoutSeconds) * time.Second,
		WorkDir:  body.WorkDir,
		Priority: body.Priority,
	}

	snap, err := s.mgr.Submit(r.Context(), req)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.Status(identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	snap, err := s.mgr.Cancel(identityFrom(r), chi.URLParam(r, "id"), force)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(identityFrom(r), chi.URLParam(r, "id")); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.mgr.List(identityFrom(r))
	if err != nil {
		writeCodedError(w, err)
		return
	}
	if snaps == nil {
		snaps = []task.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, err := s.access.Resolve(identityFrom(r)); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Stats())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if err := s.access.CheckView(identityFrom(r), ""); err != nil {
		writeCodedError(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := s.sink.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading audit trail: "+err.Error())
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleStream follows a task's events over SSE. The stream opens with
// a snapshot event and closes after the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	snap, err := s.mgr.Status(identityFrom(r), taskID)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before checking for a terminal snapshot so the window
	// between snapshot and live delivery cannot drop the terminal event.
	stream := make(chan events.Event, 64)
	sub, err := s.emitter.Subscribe(r.Context(), taskID, func(ev events.Event) {
		select {
		case stream <- ev:
			return
		default:
		}
		if !ev.Terminal() {
			return
		}
		// Never drop the terminal event; displace older buffered events
		// so the stream can close.
		for {
			select {
			case stream <- ev:
				return
			case <-stream:
			}
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribing to task events: "+err.Error())
		return
	}
	defer sub.Unsubscribe()

	writeSSE(w, "snapshot", snap)
	flusher.Flush()

	if snap.State.Terminal() {
		return
	}

	for {
		select {
		case ev := <-stream:
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug(logging.CategoryServer, "request", r.Method+" "+r.URL.Path, map[string]any{
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		})
	})
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCodedError maps gateway error codes to HTTP statuses.
func writeCodedError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeInvalidCommand:
		status = http.StatusBadRequest
	case errors.ErrCodeCommandNotAllowed, errors.ErrCodePermissionDenied, errors.ErrCodeSecurityViolation:
		status = http.StatusForbidden
	case errors.ErrCodeSystemOverload:
		status = http.StatusTooManyRequests
	case errors.ErrCodeTaskNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeCommandTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}
