// Package server exposes the governor over HTTP.
//
// Surface:
//
//	POST /observe      ingest an observation
//	POST /remember     store an explicit memory
//	POST /recall       ranked recall query
//	POST /consolidate  run consolidation for a scope
//	GET  /health       liveness
//
// The standard library mux is intentional: the surface is five routes with
// no path parameters beyond what net/http handles.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hippolabs/governor-go/pkg/core"
	"github.com/hippolabs/governor-go/pkg/governor"
)

// Server is the HTTP front end for a Governor.
type Server struct {
	gov    *governor.Governor
	logger *slog.Logger
	http   *http.Server
}

// New creates a server bound to the given address.
//
// Parameters:
//   - gov: The governor handling requests
//   - addr: Listen address, e.g. "127.0.0.1:54323"
//   - logger: Request logger (nil uses slog.Default())
//
// Returns a new Server (not yet listening; call ListenAndServe).
func New(gov *governor.Governor, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{gov: gov, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the handler tree with request logging attached.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/observe", s.requirePost(s.handleObserve))
	mux.HandleFunc("/remember", s.requirePost(s.handleRemember))
	mux.HandleFunc("/recall", s.requirePost(s.handleRecall))
	mux.HandleFunc("/consolidate", s.requirePost(s.handleConsolidate))
	mux.HandleFunc("/health", s.handleHealth)
	return s.logRequests(mux)
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("governor listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// observeRequest mirrors core.Event on the wire.
type observeRequest struct {
	Source    string                 `json:"source"`
	EventID   string                 `json:"event_id,omitempty"`
	UserID    string                 `json:"user_id"`
	Text      string                 `json:"text"`
	Timestamp int64                  `json:"timestamp,omitempty"`
	Scope     core.Scope             `json:"scope"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type observeResponse struct {
	Status   string         `json:"status"`
	Decision *core.Decision `json:"decision"`
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if !s.decode(w, r, &req) {
		return
	}

	event := &core.Event{
		Source:   req.Source,
		EventID:  req.EventID,
		UserID:   req.UserID,
		Text:     req.Text,
		Scope:    req.Scope,
		Metadata: req.Metadata,
	}
	if req.Timestamp > 0 {
		event.Timestamp = time.Unix(req.Timestamp, 0)
	}

	decision, err := s.gov.Observe(r.Context(), event)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, observeResponse{Status: "ok", Decision: decision})
}

type rememberRequest struct {
	UserID   string                 `json:"user_id"`
	Source   string                 `json:"source"`
	Kind     core.MemoryKind        `json:"kind,omitempty"`
	Text     string                 `json:"text"`
	Scope    core.Scope             `json:"scope"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type rememberResponse struct {
	Status   string `json:"status"`
	MemoryID string `json:"memory_id"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.gov.Remember(r.Context(), req.Scope, req.UserID, req.Source, req.Kind, req.Text, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rememberResponse{Status: "stored", MemoryID: fmt.Sprintf("%d", id)})
}

type recallRequest struct {
	UserID  string              `json:"user_id,omitempty"`
	Scope   core.Scope          `json:"scope"`
	Query   string              `json:"query"`
	K       int                 `json:"k,omitempty"`
	Filters *core.RecallFilters `json:"filters,omitempty"`
}

type recallResponse struct {
	Results  []*core.MemoryRecord `json:"results"`
	Degraded bool                 `json:"degraded,omitempty"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !s.decode(w, r, &req) {
		return
	}

	results, degraded, err := s.gov.Recall(r.Context(), req.Scope, req.Query, req.K, req.Filters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if degraded {
		s.logger.Warn("recall degraded: backend unavailable", "scope", req.Scope.Key())
	}
	s.writeJSON(w, http.StatusOK, recallResponse{Results: results, Degraded: degraded})
}

type consolidateRequest struct {
	Scope core.Scope           `json:"scope"`
	Mode  core.ConsolidateMode `json:"mode,omitempty"`
}

type consolidateResponse struct {
	Status    string               `json:"status"`
	Written   []*core.MemoryRecord `json:"written"`
	Discarded int                  `json:"discarded"`
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.gov.Consolidate(r.Context(), req.Scope, req.Mode)
	if err != nil {
		if errors.Is(err, core.ErrConsolidationRunning) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
			return
		}
		if errors.Is(err, core.ErrBackendUnavailable) && result != nil {
			// Partial result: some records landed, the rest stay
			// buffered for the next cycle.
			s.writeJSON(w, http.StatusOK, consolidateResponse{
				Status:    "partial",
				Written:   result.Written,
				Discarded: result.Discarded,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, consolidateResponse{
		Status:    "ok",
		Written:   result.Written,
		Discarded: result.Discarded,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requirePost rejects non-POST methods before the handler runs.
func (s *Server) requirePost(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// writeError maps governor errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidEvent), errors.Is(err, core.ErrInvalidScope):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrSpoolFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
