// Package server exposes a remote.MemoryStore over HTTP for local
// development and end-to-end testing of the queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/remote"
	"github.com/offq/offq/internal/schema"
)

// Config configures the server.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8788".
	Addr string

	// Token, when set, is required as a bearer token on /v1 routes.
	Token string

	Logger zerolog.Logger
}

// Server serves a MemoryStore.
type Server struct {
	store    *remote.MemoryStore
	token    string
	addr     string
	logger   zerolog.Logger
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

// New creates a server for store.
func New(store *remote.MemoryStore, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8788"
	}
	return &Server{
		store:  store,
		token:  cfg.Token,
		addr:   cfg.Addr,
		logger: cfg.Logger.With().Str("component", "remote-server").Logger(),
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(remote.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "entities": s.store.Len()})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/mutations", s.handleMutation)
		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{id}", s.handleGetEntity)
		r.Put("/entities/{id}", s.handlePutEntity)
	})
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("remote server listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("remote server error")
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	<-s.done
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var m schema.Mutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid mutation: %w", err))
		return
	}
	if err := m.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.store.Execute(r.Context(), &m); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	snap, _ := s.store.GetCurrent(r.Context(), m.EntityID)
	writeJSON(w, http.StatusOK, map[string]any{"id": m.ID, "entity": snap})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.store.GetCurrent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", remote.ErrEntityNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePutEntity writes an entity directly, bypassing the mutation log. It
// simulates edits made by other clients.
func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid value: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, s.store.Put(chi.URLParam(r, "id"), value))
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				writeError(w, http.StatusUnauthorized, errors.New("invalid or missing token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrEntityExists):
		return http.StatusConflict
	case errors.Is(err, remote.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrUnsupportedKind), remote.IsPermanent(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, remote.ErrorBody{Error: err.Error()})
}
