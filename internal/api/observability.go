package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"live-assets/internal/assets"
)

// Metrics with bounded cardinality (no per-key labels)
var (
	loadedAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_loaded",
		Help: "Handles currently loaded",
	})

	pendingLoads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_pending_loads",
		Help: "Loads currently in flight",
	})

	totalRefs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_references",
		Help: "Sum of reference counts over all handles",
	})

	cachedCharacters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_cached_characters",
		Help: "Entries in the character cache",
	})

	pooledInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_pooled_instances",
		Help: "Idle plus active pooled instances",
	})

	downloadsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_downloads_queued",
		Help: "Downloads waiting for a slot",
	})

	downloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_downloads_active",
		Help: "Downloads currently running",
	})

	memoryUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assets_memory_used_bytes",
		Help: "Sampled heap in use",
	})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assets_downloads_total",
		Help: "Finished downloads by result",
	}, []string{"result"}) // Bounded: "ok", "failed"

	loadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assets_load_errors_total",
		Help: "Failed backend loads",
	})

	memoryWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assets_memory_warnings_total",
		Help: "Memory pressure events by level",
	}, []string{"level"}) // Bounded: "warning", "critical"

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter, origin check or auth",
	}, []string{"reason"})

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})
)

// MetricsEvents records asset events as Prometheus metrics.
type MetricsEvents struct{}

var _ assets.Events = MetricsEvents{}

func (MetricsEvents) OnDownloadProgress(string, float64) {}

func (MetricsEvents) OnDownloadComplete(_ string, ok bool) {
	if ok {
		downloadsTotal.WithLabelValues("ok").Inc()
		return
	}
	downloadsTotal.WithLabelValues("failed").Inc()
}

func (MetricsEvents) OnLoadError(string, error) {
	loadErrors.Inc()
}

func (MetricsEvents) OnMemoryWarning(status assets.MemoryStatus) {
	memoryWarnings.WithLabelValues(status.Level.String()).Inc()
}

// UpdateStatusGauges copies a status snapshot into the gauges.
func UpdateStatusGauges(s assets.MemoryStatus) {
	loadedAssets.Set(float64(s.LoadedAssets))
	pendingLoads.Set(float64(s.PendingLoads))
	totalRefs.Set(float64(s.TotalRefCount))
	cachedCharacters.Set(float64(s.CachedCharacters))
	pooledInstances.Set(float64(s.PooledInstances))
	downloadsQueued.Set(float64(s.QueuedDownloads))
	downloadsActive.Set(float64(s.ActiveDownloads))
	memoryUsed.Set(float64(s.UsedBytes))
}

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // MUST be "127.0.0.1:6060" in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// DebugHandler serves pprof, /metrics and /health.
func DebugHandler(cfg ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var handler http.Handler = mux
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return handler
}

// StartDebugServer starts the internal observability server. It binds to
// localhost unless ALLOW_DEBUG_EXTERNAL=true. The server stops with ctx.
func StartDebugServer(ctx context.Context, cfg ObservabilityConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("📊 Debug server disabled")
		return nil
	}

	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			logger.Warn("⚠️ Debug server forced to localhost")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           DebugHandler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("📊 Debug server starting",
			zap.String("pprof", "http://"+cfg.ListenAddr+"/debug/pprof/"),
			zap.String("metrics", "http://"+cfg.ListenAddr+"/metrics"))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("⚠️ Debug server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return nil
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordConnectionRejected increments the rejection counter.
// reason must be one of: "rate_limit", "origin", "auth", "ws_total_limit",
// "ws_ip_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments WebSocket message counter
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}

// requestMetrics records latency per route pattern and logs each request.
func requestMetrics(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			RecordRequest(r.Method, pattern, status, elapsed)

			if logger != nil {
				logger.Debug("http request",
					zap.String("method", r.Method),
					zap.String("route", pattern),
					zap.Int("status", status),
					zap.Duration("elapsed", elapsed))
			}
		})
	}
}
