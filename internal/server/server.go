package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/memory"
	"github.com/lazypower/recall/internal/store"
)

// requestTimeout bounds a single request, consolidation included.
const requestTimeout = 2 * time.Minute

// Server is the recall HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	log     *log.Logger
	version string
	started time.Time
}

// New creates a Server over the engine. db backs health checks and the
// audit trail endpoint.
func New(db *store.DB, eng *engine.Engine, version string, logger *log.Logger) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		log:     logger.WithPrefix("http"),
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
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/memories", s.handleStore)
		r.Route("/memories/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/similar", s.handleSimilar)
			r.Get("/related", s.handleRelated)
			r.Get("/audit", s.handleAudit)
			r.Post("/pin", s.handlePin(true))
			r.Delete("/pin", s.handlePin(false))
		})

		r.Post("/search", s.handleSearch)
		r.Post("/feedback", s.handleFeedback)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/decay", s.handleDecay)
			r.Post("/consolidate", s.handleConsolidate)
			r.Post("/migrate-durability", s.handleMigrateDurability)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	schema, _ := s.db.SchemaVersion()
	live, err := s.db.Count(r.Context(), memory.Filter{})
	if err != nil {
		s.log.Warn("count memories", "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  s.db.Path,
		"schema":   schema,
		"memories": live,
		"embedder": s.engine.Embedder.Model(),
		"facts":    s.engine.Facts.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps the engine's error taxonomy onto HTTP.
func errorStatus(err error) int {
	var ext *memory.ExternalServiceError
	switch {
	case memory.IsValidation(err):
		return http.StatusBadRequest
	case memory.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &ext) && ext.Retryable:
		return http.StatusServiceUnavailable
	case errors.As(err, &ext):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	body := map[string]any{"error": err.Error()}

	var v *memory.ValidationError
	if errors.As(err, &v) {
		body["fields"] = v.Fields
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, body)
}
