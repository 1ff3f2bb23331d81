package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"live-assets/internal/assets"
	"live-assets/internal/download"
	"live-assets/internal/handle"
	"live-assets/internal/memory"
)

// AssetService defines the resource manager methods used by the API.
// *assets.Manager satisfies it; tests may substitute a stub.
type AssetService interface {
	// Load acquires a reference held on behalf of the admin API
	Load(ctx context.Context, key string) (any, error)
	// Release drops one reference
	Release(key string) error
	RefCount(key string) (int, bool)
	// Handles lists every tracked handle
	Handles() []handle.Handle
	// Categories lists tag categories in name order
	Categories() []string
	// Status returns a side-effect free snapshot
	Status() assets.MemoryStatus
	// Report returns counters of every component
	Report() assets.Report
	QueueDownload(key string, priority int, onComplete func(ok bool)) (string, error)
	CancelDownload(id string) bool
	Downloads() (queued, active []download.TaskInfo)
	ForceCleanup() assets.CleanupReport
	CleanupForCategory(category string) int
	UpdateCatalog(ctx context.Context) (bool, []string, error)
	CheckMemory() memory.Level
}

var _ AssetService = (*assets.Manager)(nil)

// RouterConfig contains all dependencies needed to construct the HTTP router.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Assets: manager,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Assets is the resource manager (required)
	Assets AssetService

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, only localhost origins are allowed.
	CORSOrigins []string

	// AdminToken guards mutating routes. Empty disables the check.
	AdminToken string

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool

	Logger *zap.Logger
}

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	assets AssetService
	logger *zap.Logger
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE - it has no side effects:
//   - No goroutines are started
//   - No network listeners are opened
//   - No background workers are launched
//
// This makes it safe to use in tests with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(requestMetrics(logger.Named("http")))
	}
	r.Use(middleware.Recoverer)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", AdminTokenHeader},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		assets: cfg.Assets,
		logger: logger.Named("api"),
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Read-only views
		r.Get("/status", h.handleStatus)
		r.Get("/assets", h.handleAssets)
		r.Get("/downloads", h.handleDownloads)

		// Mutations require the admin token
		r.Group(func(r chi.Router) {
			r.Use(AdminTokenMiddleware(cfg.AdminToken))

			r.Post("/assets/load", h.handleLoad)
			r.Post("/assets/release", h.handleRelease)

			r.Post("/downloads", h.handleQueueDownload)
			r.Delete("/downloads/{id}", h.handleCancelDownload)

			r.Post("/cleanup/force", h.handleForceCleanup)
			r.Post("/cleanup/category", h.handleCleanupCategory)

			r.Post("/catalog/update", h.handleCatalogUpdate)
			r.Post("/memory/check", h.handleMemoryCheck)
		})
	})

	// Default route
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/status", http.StatusFound)
	})

	return r
}
