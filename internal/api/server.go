// Package api exposes the worker dispatch protocol and the user-facing
// ingestion and job endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/contact-dispatch/internal/dispatch"
	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/pipeline"
)

const maxBodyBytes = 1 << 20

// Ingester runs one raw contact through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, in model.RawContactInput) (*pipeline.Result, error)
}

// Deps are the components the server routes requests to.
type Deps struct {
	Ingester     Ingester
	Registry     *dispatch.Registry
	Dispatcher   *dispatch.Dispatcher
	Reporter     *dispatch.Reporter
	Operator     *dispatch.Operator
	Users        UserAuthenticator
	ServiceToken string
	CORSOrigins  []string
	// Health reports whether the backing store is reachable. Nil means
	// always healthy.
	Health func(ctx context.Context) error
}

// Server is the HTTP API.
type Server struct {
	deps Deps
	now  func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireServiceToken(s.deps.ServiceToken))
			r.Post("/agents/register", s.handleRegister)
			r.Post("/agents/heartbeat", s.handleHeartbeat)
			r.Post("/agents/claim", s.handleClaim)
			r.Post("/agents/report", s.handleReport)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireUser(s.deps.Users))
			r.Post("/contacts/ingest", s.handleIngest)
			r.Post("/contacts/{id}/enrich", s.handleReenrich)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
			r.Get("/agents", s.handleListAgents)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
