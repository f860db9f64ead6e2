// Package apiserver is a thin HTTP front door over the coordination plane,
// exposing createExecution/listExecutions/getExecution/sendCommand/
// subscribeToEvents. It is a demonstration adapter only — no auth, no rate
// limiting — with one handler function per route, registered with
// method+path using chi's r.Get/r.Post idiom.
package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/R3E-Network/flowexec/internal/commandbus"
	"github.com/R3E-Network/flowexec/internal/domain"
	"github.com/R3E-Network/flowexec/internal/eventbus"
	"github.com/R3E-Network/flowexec/internal/execsvc"
	"github.com/R3E-Network/flowexec/internal/store"
	"github.com/R3E-Network/flowexec/pkg/logger"
)

// Server wires the coordination plane's capabilities to HTTP handlers.
type Server struct {
	router chi.Router
	svc    *execsvc.Service
	store  store.ExecutionStore
	events eventbus.EventBus
	cmds   commandbus.CommandBus
	log    *logger.Logger
}

// New constructs the chi router with every route registered.
func New(svc *execsvc.Service, st store.ExecutionStore, eb eventbus.EventBus, cb commandbus.CommandBus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("apiserver")
	}
	s := &Server{svc: svc, store: st, events: eb, cmds: cb, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/executions", s.handleCreateExecution)
	r.Get("/executions", s.handleListExecutions)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Post("/executions/{id}/commands", s.handleSendCommand)
	r.Get("/executions/{id}/events", s.handleSubscribeToEvents)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createExecutionRequest struct {
	FlowID            string         `json:"flowId"`
	ParentExecutionID string         `json:"parentExecutionId,omitempty"`
	RootExecutionID   string         `json:"rootExecutionId,omitempty"`
	ExecutionDepth    int            `json:"executionDepth,omitempty"`
	Integrations      map[string]any `json:"integrations,omitempty"`
	MaxRetries        int            `json:"maxRetries,omitempty"`
	RetryDelayMs      int            `json:"retryDelayMs,omitempty"`
	Debug             bool           `json:"debug,omitempty"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.svc.CreateExecution(r.Context(), execsvc.CreateParams{
		FlowID:            req.FlowID,
		ParentExecutionID: req.ParentExecutionID,
		RootExecutionID:   req.RootExecutionID,
		ExecutionDepth:    req.ExecutionDepth,
		Integrations:      req.Integrations,
		MaxRetries:        req.MaxRetries,
		RetryDelayMs:      req.RetryDelayMs,
		Debug:             req.Debug,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"executionId": id})
}

// handleListExecutions always answers 501 Not Implemented and reads no
// query parameters: the store's only bulk-read operation is
// ListNonTerminalUnclaimed, which serves the Recovery Sweeper, not general
// listing.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, errNotImplemented("listExecutions with arbitrary filters"))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.store.Get(r.Context(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type sendCommandRequest struct {
	ID       string         `json:"id"`
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload,omitempty"`
	IssuedBy string         `json:"issuedBy,omitempty"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cmd := domain.Command{
		ID:          req.ID,
		ExecutionID: id,
		Command:     domain.CommandKind(req.Command),
		Payload:     req.Payload,
		Timestamp:   time.Now().UTC(),
		IssuedBy:    req.IssuedBy,
	}

	if err := s.cmds.PublishCommand(r.Context(), cmd); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// handleSubscribeToEvents streams event batches as newline-delimited JSON
// chunks rather than a WebSocket, keeping the transport a single long-lived
// HTTP response.
func (s *Server) handleSubscribeToEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fromIndex := int64(0)
	if q := r.URL.Query().Get("fromIndex"); q != "" {
		v, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		fromIndex = v
	}

	sub, err := s.events.SubscribeToEvents(r.Context(), id, fromIndex, eventbus.DefaultBatchConfig())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer sub.Close()

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for batch := range sub.Batches {
		if err := enc.Encode(batch); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type errNotImplemented string

func (e errNotImplemented) Error() string { return string(e) + " is not implemented" }
