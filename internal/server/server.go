package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/signalworks/nudge/internal/engine"
	"github.com/signalworks/nudge/internal/store"
)

// Server is the nudge HTTP API: the thin collaborator surface over the
// decision engine. It owns no decision logic.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the given store and engine.
func New(db *store.DB, eng *engine.Engine, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/events", s.handleRecordEvent)
		r.Post("/decide", s.handleDecide)
		r.Post("/candidates", s.handleEnqueueCandidate)

		r.Get("/profiles/{userID}", s.handleGetProfile)
		r.Post("/profiles/{userID}/channels", s.handleSetOptIn)

		r.Post("/tests", s.handleCreateTest)
		r.Post("/tests/{testID}/activate", s.handleActivateTest)
		r.Put("/tests/{testID}/variants", s.handleUpdateVariants)
		r.Post("/tests/{testID}/assignments/{userID}", s.handleAssignVariant)
		r.Post("/tests/{testID}/outcomes", s.handleRecordOutcome)
		r.Get("/tests/{testID}/results", s.handleTestResults)

		r.Post("/sweeps/scoring", s.handleScoringSweep)
		r.Post("/sweeps/decision", s.handleDecisionSweep)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrNotEnrolled), errors.Is(err, engine.ErrTestAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
