package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/trymwestin/nest/internal/core/auth"
	"github.com/trymwestin/nest/internal/core/command"
	"github.com/trymwestin/nest/internal/core/device"
	"github.com/trymwestin/nest/internal/core/state"
	"github.com/trymwestin/nest/internal/core/stream"
)

const (
	defaultLongPoll = 30 * time.Second
	maxLongPoll     = 5 * time.Minute
)

// AuthService is the authorization side used by the API.
type AuthService interface {
	State() auth.State
	BeginAuthorization(clientID, clientSecret string) (string, error)
	ExchangePIN(ctx context.Context, pin, clientID, clientSecret string) (auth.Credential, error)
}

// StreamService controls the background stream.
type StreamService interface {
	State() stream.State
	Fault() error
	Running() bool
	Start(ctx context.Context) error
	Wake()
}

// EntityWriter writes attributes to an entity by id.
type EntityWriter interface {
	Set(ctx context.Context, id string, values map[string]any) error
}

// Deps are the collaborators the server reads from and drives.
type Deps struct {
	Auth    AuthService
	Stream  StreamService
	Tree    *state.Tree
	Signal  *state.Signal
	Writer  EntityWriter
	Metrics http.Handler // optional
}

// Server is the HTTP API server.
type Server struct {
	deps         Deps
	clientID     string
	clientSecret string
	corsAll      bool
	// baseCtx outlives requests; the stream is started under it.
	baseCtx context.Context
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server. ctx bounds anything the server
// starts on behalf of a request, such as the stream worker.
func NewServer(ctx context.Context, deps Deps, clientID, clientSecret string, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		deps:         deps,
		clientID:     clientID,
		clientSecret: clientSecret,
		corsAll:      corsAll,
		baseCtx:      ctx,
		log:          log,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/state", s.handleGetState)
	s.mux.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)
	s.mux.HandleFunc("PUT /api/entities/{id}", s.handlePutEntity)
	s.mux.HandleFunc("GET /api/changes", s.handleGetChanges)

	s.mux.HandleFunc("GET /api/auth/url", s.handleAuthURL)
	s.mux.HandleFunc("POST /api/auth/pin", s.handleAuthPIN)
	s.mux.HandleFunc("POST /api/stream/restart", s.handleStreamRestart)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	AuthState   string `json:"auth_state"`
	StreamState string `json:"stream_state"`
	Running     bool   `json:"running"`
	Fault       string `json:"fault,omitempty"`
	Entities    int    `json:"entities"`
	Seq         uint64 `json:"seq"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		AuthState:   s.deps.Auth.State().String(),
		StreamState: s.deps.Stream.State().String(),
		Running:     s.deps.Stream.Running(),
		Entities:    s.deps.Tree.Len(),
		Seq:         s.deps.Signal.Seq(),
	}
	if err := s.deps.Stream.Fault(); err != nil {
		resp.Fault = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	seq := s.deps.Signal.Seq()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"seq":      seq,
		"entities": s.deps.Tree.Snapshot(),
	})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, ok := s.deps.Tree.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

// handlePutEntity issues the write and returns 202: the tree changes only
// when the stream delivers the confirming patch.
func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := s.readJSON(r, &values); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	id := r.PathValue("id")
	err := s.deps.Writer.Set(r.Context(), id, values)
	var apiErr *command.APIError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, device.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, device.ErrInvalidValue), errors.Is(err, device.ErrOutOfRange):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotAuthorized), errors.Is(err, command.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, command.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &apiErr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("entity write failed", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleGetChanges long-polls the change signal. Clients pass back the seq
// they last saw; without one the call waits for the next change.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := s.deps.Signal.Seq()
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an unsigned integer")
			return
		}
		since = n
	}

	timeout := defaultLongPoll
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = min(d, maxLongPoll)
	}

	seq, changed := s.deps.Signal.WaitSince(r.Context(), since, timeout)
	s.writeJSON(w, http.StatusOK, map[string]any{"seq": seq, "changed": changed})
}

func (s *Server) handleAuthURL(w http.ResponseWriter, _ *http.Request) {
	u, err := s.deps.Auth.BeginAuthorization(s.clientID, s.clientSecret)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"url":        u,
		"auth_state": s.deps.Auth.State().String(),
	})
}

type pinBody struct {
	PIN string `json:"pin"`
}

func (s *Server) handleAuthPIN(w http.ResponseWriter, r *http.Request) {
	var body pinBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	_, err := s.deps.Auth.ExchangePIN(r.Context(), body.PIN, s.clientID, s.clientSecret)
	var ae *auth.AuthError
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrEmptyPIN), auth.IsRejected(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, auth.ErrMissingClient):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.As(err, &ae):
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.startStream()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"auth_state":   s.deps.Auth.State().String(),
		"stream_state": s.deps.Stream.State().String(),
	})
}

func (s *Server) handleStreamRestart(w http.ResponseWriter, _ *http.Request) {
	err := s.startStream()
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"stream_state": s.deps.Stream.State().String()})
	case errors.Is(err, stream.ErrStopped):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotAuthorized):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// startStream starts the worker under the server context. A running worker
// is woken instead so a pending backoff is skipped.
func (s *Server) startStream() error {
	err := s.deps.Stream.Start(s.baseCtx)
	if errors.Is(err, stream.ErrAlreadyRunning) {
		s.deps.Stream.Wake()
		return nil
	}
	if err != nil {
		s.log.Warn("stream start failed", "error", err)
	}
	return err
}
