package api

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skridlevsky/govdesk/internal/ipc"
	"github.com/skridlevsky/govdesk/internal/refresh"
)

// Invoker runs one envelope. Satisfied by *ipc.Dispatcher.
type Invoker interface {
	Dispatch(ctx context.Context, req ipc.Request) ipc.Response
}

// RefreshStatus reports background job state. Satisfied by *refresh.Refresher.
type RefreshStatus interface {
	Status() map[string]refresh.JobStatus
}

// RouterConfig holds configuration for the router
type RouterConfig struct {
	Invoker     Invoker
	Database    interface{ Health(context.Context) error }
	Refresher   RefreshStatus
	Logs        LogSource
	CORSOrigins []string
	Development bool
	Logger      *slog.Logger
	Clock       clockwork.Clock
}

// RouterResult holds the router and resources that need cleanup
type RouterResult struct {
	Router       *chi.Mux
	RateLimiters *RateLimiters
}

// NewRouter creates and configures the HTTP router.
// Caller must call result.RateLimiters.Stop() on shutdown.
func NewRouter(cfg *RouterConfig) *RouterResult {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	rateLimiters := NewRateLimiters(cfg.Clock)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(cfg.CORSOrigins, cfg.Development))

	r.Get("/api/health", NewHealthHandler(cfg.Database, cfg.Refresher))
	r.Handle("/metrics", promhttp.Handler())

	r.With(rateLimiters.Invoke.Middleware).
		Post(ipc.InvokePath, NewInvokeHandler(cfg.Invoker))

	// Export: strict rate limit + concurrency cap
	if cfg.Logs != nil {
		r.With(ExportGuardMiddleware(rateLimiters.Export, rateLimiters.exportSlots)).
			Get("/api/logs/export", NewLogExportHandler(cfg.Logs, logger))
	}

	return &RouterResult{
		Router:       r,
		RateLimiters: rateLimiters,
	}
}
