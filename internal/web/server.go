// Package web provides the HTTP API for bitable achievement imports.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/campusworks/achievement-import/internal/attachment"
	"github.com/campusworks/achievement-import/internal/config"
	"github.com/campusworks/achievement-import/internal/core"
	"github.com/campusworks/achievement-import/internal/mapping"
	mw "github.com/campusworks/achievement-import/internal/web/middleware"
)

// Importer is the import service as seen by the handlers. *core.Service
// satisfies it.
type Importer interface {
	TestConnection(ctx context.Context) bool
	ListRemoteTables(ctx context.Context, appToken string) ([]core.RemoteTable, error)
	Preview(ctx context.Context, req core.PreviewRequest) (*core.PreviewResult, error)
	PersonalizedPreview(ctx context.Context, src core.Source, ownerName string) (*core.PreviewResult, error)
	Commit(ctx context.Context, req core.CommitRequest) (*core.ImportRunResult, error)
	ListImportRuns(ctx context.Context, page, pageSize int) (*core.ImportHistory, error)
	GetImportRun(ctx context.Context, id string) (*core.ImportRun, error)
	RollbackRun(ctx context.Context, id string) (*core.RollbackResult, error)
	FailureReport(ctx context.Context, id string, w io.Writer) error
	GetTemplate(ctx context.Context) (mapping.Template, error)
	SaveTemplate(ctx context.Context, tpl mapping.Template) (mapping.Template, error)
	RetrySweep(ctx context.Context) (attachment.SweepResult, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP server for the import API.
type Server struct {
	importer Importer
	cfg      *config.Config
	health   HealthCheck
	router   *chi.Mux
	server   *http.Server
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new Server instance. health may be nil.
func NewServer(importer Importer, cfg *config.Config, health HealthCheck) *Server {
	s := &Server{
		importer: importer,
		cfg:      cfg,
		health:   health,
		router:   chi.NewRouter(),
		done:     make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
	s.router.Use(requestMetadata)

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute, s.done)
		s.router.Use(limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1/bitable", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(&s.cfg.Security))

		// Commits run as long as the import timeout allows and are
		// cancelled when the client goes away.
		r.Group(func(r chi.Router) {
			if s.cfg.Rate.Enabled {
				r.Use(newRateLimiter(s.cfg.Rate.ImportLimit, time.Minute, s.done).middleware)
			}
			r.Post("/import", s.handleImport)
		})

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
			}

			r.Post("/test-connection", s.handleTestConnection)
			r.Get("/tables/{appToken}", s.handleListTables)
			r.Post("/preview", s.handlePreview)
			r.Post("/student/quick-preview", s.handleQuickPreview)

			r.Get("/import-history", s.handleImportHistory)
			r.Get("/import-history/{id}", s.handleImportRun)
			r.Get("/import-history/{id}/failures.xlsx", s.handleFailureReport)
			r.Post("/import-history/{id}/rollback", s.handleRollback)

			r.Get("/template", s.handleGetTemplate)
			r.Put("/template", s.handleSaveTemplate)

			r.Post("/retry-sweep", s.handleRetrySweep)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter allows requests per window for each IP. Stale visitors are
// dropped until done is closed.
func newRateLimiter(requests int, window time.Duration, done <-chan struct{}) *rateLimiter {
	if requests <= 0 {
		requests = 1
	}
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
	}
	go rl.cleanup(window, done)
	return rl
}

func (rl *rateLimiter) cleanup(window time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > window*2 {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// middleware returns an HTTP middleware that rate limits by IP. RemoteAddr
// has already been rewritten by TrustedRealIP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(mw.ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "RATE001", "Too many requests", "Please slow down and try again in a minute")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it with status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
