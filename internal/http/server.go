// Package http exposes the allocation engine as a JSON API.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"carbonsplit/internal/allocation"
	"carbonsplit/internal/cache"
	"carbonsplit/internal/core"
	"carbonsplit/internal/log"
	"carbonsplit/internal/metrics"
	"carbonsplit/internal/middleware/ratelimit"
	"carbonsplit/internal/middleware/security"
	"carbonsplit/internal/services"
)

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the server. Zero values use defaults.
type Options struct {
	RateLimit ratelimit.Config
	CacheTTL  time.Duration
	CacheSize int
	Ready     Pinger
	Logger    *log.Logger
}

type Server struct {
	http.Server
	service *services.AllocationService
	engine  *allocation.Engine
	ready   Pinger
	logger  *log.Logger

	limiter *ratelimit.Limiter
	caches  *cache.Manager

	// read models purged after every committed write
	segmentCache *cache.LRUCache[[]core.SegmentationTotal]
	targetCache  *cache.LRUCache[[]allocation.Offer]
	fundingCache *cache.LRUCache[[]core.ProjectFunding]

	shutdownOnce sync.Once
}

// NewServer configures routes and returns a ready-to-run server.
func NewServer(addr string, svc *services.AllocationService, opts Options) *Server {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.FromDefault()
	}

	s := &Server{
		service:      svc,
		engine:       svc.Engine(),
		ready:        opts.Ready,
		logger:       logger.WithComponent(log.ComponentHTTP),
		limiter:      ratelimit.NewLimiter(opts.RateLimit),
		caches:       cache.NewManager(),
		segmentCache: cache.NewLRUCache[[]core.SegmentationTotal](opts.CacheSize, opts.CacheTTL),
		targetCache:  cache.NewLRUCache[[]allocation.Offer](opts.CacheSize, opts.CacheTTL),
		fundingCache: cache.NewLRUCache[[]core.ProjectFunding](1, opts.CacheTTL),
	}
	s.caches.Register(s.segmentCache)
	s.caches.Register(s.targetCache)
	s.caches.Register(s.fundingCache)
	s.caches.StartCleanup(10 * time.Minute)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(logger *log.Logger) http.Handler {
	ips := security.NewClientIPResolver()

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		log.Middleware(logger),
		log.RequestIDMiddleware(func(r *http.Request) string {
			return middleware.GetReqID(r.Context())
		}),
		log.AccessLog,
		security.Headers(security.DefaultHeadersConfig()),
	)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware(ips.ClientIP, s.onRateLimited, http.MethodPost))

		r.Route("/contributions/{id}", func(r chi.Router) {
			r.Post("/allocations", s.handleAllocate)
			r.Get("/allocations", s.handleContributionNodes)
			r.Get("/totals", s.handleContributionTotals)
			r.Get("/remaining", s.handleRemaining(allocation.TargetContribution))
		})
		r.Route("/allocations/{id}", func(r chi.Router) {
			r.Post("/splits", s.handleResplit)
			r.Get("/remaining", s.handleRemaining(allocation.TargetNode))
		})
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/totals", s.handleProjectTotals)
			r.Get("/targets", s.handleSubProjectTargets)
			r.Get("/remaining", s.handleRemaining(allocation.TargetProject))
		})
		r.Get("/segmentations/totals", s.handleSegmentationTotals)
		r.Get("/targets", s.handleTargets)
		r.Get("/report/funding", s.handleFundingReport)
	})

	return r
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Error: "rate limit exceeded, please try again later",
		Code:  "rate_limited",
	})
}

// invalidate drops cached read models after a committed write.
func (s *Server) invalidate() {
	s.caches.PurgeAll()
}

// Shutdown gracefully shuts down the server and its background routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		s.caches.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
