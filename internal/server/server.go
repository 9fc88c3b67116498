package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dativo-io/memguard/internal/evidence"
	"github.com/dativo-io/memguard/internal/memory"
	"github.com/dativo-io/memguard/internal/otel"
	"github.com/dativo-io/memguard/internal/seal"
)

const (
	defaultTimeout       = 60 * time.Second
	defaultMaxEntryBytes = 1 << 20
)

// Server holds the dependencies for the serving and admin HTTP surfaces.
type Server struct {
	router        *chi.Mux
	entries       *memory.Store
	audit         *evidence.Store
	gate          *seal.Gate
	adminKey      string
	sealing       string
	html          *bluemonday.Policy
	corsOrigins   []string
	maxEntryBytes int64
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins for the serving group.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxEntryBytes caps the request body accepted when adding an entry.
func WithMaxEntryBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxEntryBytes = n
		}
	}
}

// WithSealingAlgorithm reports the active seal algorithm in health detail.
func WithSealingAlgorithm(alg string) Option {
	return func(s *Server) { s.sealing = alg }
}

// NewServer builds a Server. An empty adminKey leaves the admin routes
// unmounted.
func NewServer(entries *memory.Store, audit *evidence.Store, gate *seal.Gate, adminKey string, opts ...Option) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		entries:       entries,
		audit:         audit,
		gate:          gate,
		adminKey:      adminKey,
		html:          bluemonday.StrictPolicy(),
		maxEntryBytes: defaultMaxEntryBytes,
		startTime:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
//
// The serving group runs every handler in a REQUEST execution context, so
// no sealed pattern can be opened from it. The admin group runs in a
// BACKGROUND context behind the admin key.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware(RequestIDHeader))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(CORSMiddleware(s.corsOrigins))
		r.Use(RequestContextMiddleware)
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/memories/{memoryID}/entries", s.handleEntryCreate)
		r.Get("/v1/memories/{memoryID}/entries", s.handleMemoryEntries)
		r.Get("/v1/entries/{id}/content", s.handleEntryContent)
		r.Post("/v1/entries/{id}/patterns/{ref}/decrypt", s.handleDecrypt)
	})

	if s.adminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(s.adminKey))
			r.Use(BackgroundContextMiddleware)
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/entries", s.handleAdminEntries)
			r.Get("/entries/{id}", s.handleAdminEntry)
			r.Post("/entries/{id}/patterns/{ref}/decrypt", s.handleDecrypt)
			r.Get("/audit", s.handleAuditList)
			r.Get("/audit/{id}/verify", s.handleAuditVerify)
			r.Get("/stats", s.handleStats)
		})
	}

	return r
}
