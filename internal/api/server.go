package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/tdmcore/internal/api/middleware"
	"github.com/flowpbx/tdmcore/internal/config"
	"github.com/flowpbx/tdmcore/internal/database"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

// Deps are the collaborators the HTTP API serves. CDRs, SpanConfig and
// Metrics may be nil, in which case their routes answer 501.
type Deps struct {
	Registry   *tdm.Registry
	CDRs       database.CDRRepository
	SpanConfig database.SpanConfigRepository
	Config     *config.Config
	JWTSecret  []byte
	Metrics    http.Handler
	Sessions   SessionCounter
	Logger     *slog.Logger
}

// SessionCounter reports the SIP calls bridged onto TDM channels.
type SessionCounter interface {
	ActiveSessionCount() int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	reg        *tdm.Registry
	cdrs       database.CDRRepository
	spanConfig database.SpanConfigRepository
	cfg        *config.Config
	jwtSecret  []byte
	metrics    http.Handler
	sessions   SessionCounter
	logger     *slog.Logger
	startTime  time.Time

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. Close stops
// its background rate limiter cleanup.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:     chi.NewRouter(),
		reg:        deps.Registry,
		cdrs:       deps.CDRs,
		spanConfig: deps.SpanConfig,
		cfg:        deps.Config,
		jwtSecret:  deps.JWTSecret,
		metrics:    deps.Metrics,
		sessions:   deps.Sessions,
		logger:     logger.With("subsystem", "api"),
		startTime:  time.Now(),
	}
	s.apiLimiter = middleware.NewIPRateLimiter(middleware.ControlRateLimitConfig(), logger)
	s.authLimiter = middleware.NewIPRateLimiter(middleware.TokenRateLimitConfig(), logger)

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the server's background resources.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders(s.cfg != nil && s.cfg.TLSEnabled()))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.authLimiter)).Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.apiLimiter))

			r.Get("/status", s.handleStatus)
			r.Get("/spans", s.handleListSpans)
			r.Get("/spans/{span}", s.handleGetSpan)
			r.Get("/spans/{span}/config", s.handleGetSpanConfig)
			r.Get("/groups", s.handleListGroups)
			r.Get("/channels", s.handleMatchChannels)
			r.Get("/calls", s.handleListCalls)
			r.Get("/cdrs", s.handleListCDRs)
			r.Get("/cdrs/export", s.handleExportCDRs)
			r.Get("/cdrs/{id}", s.handleGetCDR)

			// Everything that changes core state needs an operator token.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAuth(s.jwtSecret))

				r.Post("/spans/{span}/start", s.handleStartSpan)
				r.Post("/spans/{span}/stop", s.handleStopSpan)
				r.Put("/spans/{span}/config", s.handlePutSpanConfig)
				r.Delete("/spans/{span}/config/{key}", s.handleDeleteSpanConfig)
				r.Post("/hunt", s.handleHunt)
				r.Route("/spans/{span}/channels/{chan}", func(r chi.Router) {
					r.Post("/answer", s.handleAnswer)
					r.Post("/hangup", s.handleHangup)
					r.Post("/indicate", s.handleIndicate)
					r.Post("/dtmf", s.handleSendDTMF)
				})
				r.Post("/exec", s.handleExec)
			})
		})
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
