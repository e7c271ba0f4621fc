package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/wricardo/mcp-training/envserver/env/service"
	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
	"github.com/wricardo/mcp-training/envserver/transport/websocket"
)

// Server is the HTTP surface of the session manager.
type Server struct {
	service service.EnvService
	hub     *websocket.Hub
	router  *mux.Router
	log     *zap.Logger
}

// NewServer creates a new API server. hub and log may be nil.
func NewServer(envService service.EnvService, hub *websocket.Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		service: envService,
		hub:     hub,
		router:  mux.NewRouter(),
		log:     log,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleHealth).Methods("GET")

	// Session lifecycle
	s.router.HandleFunc("/create", s.handleCreate).Methods("POST")
	s.router.HandleFunc("/close", s.handleClose).Methods("POST")
	s.router.HandleFunc("/list_envs", s.handleList).Methods("GET")
	s.router.HandleFunc("/detail", s.handleDetail).Methods("GET")

	// Episode operations
	s.router.HandleFunc("/step", s.handleStep).Methods("POST")
	s.router.HandleFunc("/reset", s.handleReset).Methods("POST")
	s.router.HandleFunc("/observation", s.handleObservation).Methods("GET")
	s.router.HandleFunc("/observation_metadata", s.handleMetadata).Methods("GET")
	s.router.HandleFunc("/page", s.handlePage).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the router so callers can mount extra endpoints.
func (s *Server) Router() *mux.Router { return s.router }

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ErrorResponse is the body of every failed request. Failures are still
// sent with status 200 so agent loops can read them as data.
type ErrorResponse struct {
	Error string            `json:"error"`
	Code  service.ErrorCode `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusOK, ErrorResponse{Error: err.Error(), Code: service.Code(err)})
}

var errMissingHandle = fmt.Errorf("%w: handle is required", service.ErrInvalidArgument)

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	// An empty body keeps the defaults.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", service.ErrInvalidArgument, err)
	}
	return nil
}

func handleFromQuery(r *http.Request) (session.Handle, error) {
	raw := r.URL.Query().Get("handle")
	if raw == "" {
		return 0, errMissingHandle
	}
	return session.ParseHandle(raw)
}

// CreateRequest is the body of POST /create.
type CreateRequest struct {
	Kind   string     `json:"kind,omitempty"`
	Params sim.Params `json:"params,omitempty"`
}

// CreateResponse is returned by POST /create.
type CreateResponse struct {
	Handle session.Handle `json:"handle"`
}

// StepRequest is the body of POST /step.
type StepRequest struct {
	Handle *session.Handle `json:"handle"`
	Action string          `json:"action"`
}

// ResetRequest is the body of POST /reset. Target is the task index; when it
// is omitted the simulator resets to its default.
type ResetRequest struct {
	Handle  *session.Handle   `json:"handle"`
	Target  *int              `json:"target,omitempty"`
	Seed    *int64            `json:"seed,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// CloseRequest is the body of POST /close.
type CloseRequest struct {
	Handle *session.Handle `json:"handle"`
}

// CloseResponse is returned by POST /close.
type CloseResponse struct {
	Closed bool              `json:"closed"`
	Error  string            `json:"error,omitempty"`
	Code   service.ErrorCode `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "envserver is running")
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	h, err := s.service.Create(r.Context(), req.Kind, req.Params)
	if err != nil {
		s.log.Warn("create failed", zap.String("kind", req.Kind), zap.Error(err))
		respondError(w, err)
		return
	}

	s.log.Info("create", zap.Stringer("handle", h), zap.String("kind", req.Kind))
	respondJSON(w, http.StatusOK, CreateResponse{Handle: h})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Handle == nil {
		respondError(w, errMissingHandle)
		return
	}

	result, err := s.service.Step(r.Context(), *req.Handle, req.Action)
	if err != nil {
		s.log.Info("step failed", zap.Stringer("handle", *req.Handle), zap.Error(err))
		s.notifyIfGone(*req.Handle, err)
		respondError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.BroadcastObservation(websocket.EventStep, result)
	}
	s.log.Info("step",
		zap.Stringer("handle", result.Handle),
		zap.Float64("reward", result.Reward),
		zap.Bool("done", result.Done),
		zap.Stringer("state", result.State))

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Handle == nil {
		respondError(w, errMissingHandle)
		return
	}

	target := sim.Target{Index: req.Target, Seed: req.Seed, Options: req.Options}
	result, err := s.service.Reset(r.Context(), *req.Handle, target)
	if err != nil {
		s.log.Info("reset failed", zap.Stringer("handle", *req.Handle), zap.Error(err))
		s.notifyIfGone(*req.Handle, err)
		respondError(w, err)
		return
	}

	if s.hub != nil {
		s.hub.BroadcastObservation(websocket.EventReset, result)
	}
	s.log.Info("reset", zap.Stringer("handle", result.Handle))

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	h, err := handleFromQuery(r)
	if err != nil {
		respondError(w, err)
		return
	}

	obs, err := s.service.Observe(r.Context(), h)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, obs)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Handle == nil {
		respondError(w, errMissingHandle)
		return
	}

	closed, err := s.service.Close(r.Context(), *req.Handle)
	if err != nil {
		respondJSON(w, http.StatusOK, CloseResponse{Closed: false, Error: err.Error(), Code: service.Code(err)})
		return
	}

	if s.hub != nil {
		s.hub.BroadcastEvent(*req.Handle, websocket.EventClosed, nil)
	}
	s.log.Info("close", zap.Stringer("handle", *req.Handle))
	respondJSON(w, http.StatusOK, CloseResponse{Closed: closed})
}

// notifyIfGone tells watchers when a failed call removed the session.
func (s *Server) notifyIfGone(h session.Handle, err error) {
	if s.hub == nil {
		return
	}
	switch service.Code(err) {
	case service.CodeWorkerUnavailable, service.CodeProtocolError:
		s.hub.BroadcastEvent(h, websocket.EventClosed, ErrorResponse{Error: err.Error(), Code: service.Code(err)})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	query := r.URL.Query()
	if kind := query.Get("kind"); kind != "" {
		filtered := sessions[:0]
		for _, info := range sessions {
			if info.Kind == kind {
				filtered = append(filtered, info)
			}
		}
		sessions = filtered
	}
	if query.Get("sort") == "accessed" {
		sort.SliceStable(sessions, func(i, j int) bool {
			return sessions[i].LastAccessedAt.After(sessions[j].LastAccessedAt)
		})
	}

	handles := make([]session.Handle, 0, len(sessions))
	for _, info := range sessions {
		handles = append(handles, info.Handle)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"handles":  handles,
		"sessions": sessions,
		"kinds":    s.service.Kinds(),
	})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	h, err := handleFromQuery(r)
	if err != nil {
		respondError(w, err)
		return
	}

	info, err := s.service.Detail(r.Context(), h)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r, s.service.Metadata)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r, s.service.Page)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request,
	query func(context.Context, session.Handle) (map[string]any, error)) {
	h, err := handleFromQuery(r)
	if err != nil {
		respondError(w, err)
		return
	}

	out, err := query(r.Context(), h)
	if err != nil {
		s.notifyIfGone(h, err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h, err := handleFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.hub == nil {
		http.Error(w, "live updates are disabled", http.StatusNotFound)
		return
	}

	if _, err := s.service.Detail(r.Context(), h); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrHandleNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.hub.ServeWS(w, r, h)
}
