package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/forkline/internal/store"
)

type Server struct {
	router      *chi.Mux
	port        int
	sessionsDir string
	store       store.Store
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer builds the API. s may be nil; when set, sessions that have no
// capture file are looked up in the store.
func NewServer(port int, sessionsDir string, s store.Store, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	srv := &Server{
		router:      router,
		port:        port,
		sessionsDir: sessionsDir,
		store:       s,
		logger:      logger,
	}

	router.Get("/health", srv.health)
	router.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", srv.listSessions)
		r.Get("/{name}", srv.getSession)
		r.Get("/{name}/branches", srv.getBranches)
	})

	return srv
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
