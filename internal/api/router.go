package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/dispatch"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/relay"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
)

// RouterConfig holds every dependency the HTTP layer needs. Populated in
// main.go after all components are initialized.
type RouterConfig struct {
	Auth       *auth.Manager
	Stores     *store.Stores
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Hub        *relay.Hub
	Logger     *zap.Logger

	// Ping reports database liveness for the health probe.
	Ping func(ctx context.Context) error
}

// NewRouter builds the fully configured Chi router: the control-plane API
// under /api/v1, the robot channel endpoint, the event stream, and the
// operational endpoints /healthz and /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	tokenHandler := NewTokenHandler(cfg.Auth, cfg.Logger)
	robotHandler := NewRobotHandler(cfg.Stores, cfg.Registry, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Stores, cfg.Dispatcher, cfg.Logger)
	keyHandler := NewKeyHandler(cfg.Stores, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Stores, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Hub, cfg.Auth, cfg.Logger)

	// Operational endpoints, outside /api/v1 and outside auth.
	r.Get("/healthz", healthz(cfg.Ping))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Robot channel. Authentication happens inside ServeRobot against
		// the per-robot API key, not via bearer tokens. Rate-limited per IP
		// to slow down credential scanning; a legitimate fleet reconnecting
		// stays far under this.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(60, time.Minute))
			r.Get("/robot/{robot_id}", func(w http.ResponseWriter, req *http.Request) {
				cfg.Registry.ServeRobot(w, req, chi.URLParam(req, "robot_id"))
			})
		})

		// Token exchange. Tight limit: this is the brute-force surface.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(10, time.Minute))
			r.Post("/auth/token", tokenHandler.Exchange)
		})

		// Control plane, bearer token required.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Auth))

			// Event stream: its own group so the WS upgrade skips the
			// REST rate limits.
			r.Get("/ws/events", streamHandler.ServeEvents)

			// Reads.
			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(200, time.Minute))

				r.Get("/robots", robotHandler.List)
				r.Get("/robots/{robot_id}", robotHandler.Get)
				r.Get("/robots/{robot_id}/status/live", robotHandler.LiveStatus)

				r.Get("/jobs", jobHandler.List)
				r.Get("/jobs/{id}", jobHandler.Get)
				r.Get("/jobs/{id}/logs", jobHandler.Logs)

				r.Get("/keys", keyHandler.List)
				r.Get("/audit", auditHandler.List)
			})

			// Heartbeats: a fleet on a short interval beats far more often
			// than operators write, so it gets its own high ceiling.
			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(600, time.Minute))
				r.Post("/robots/{robot_id}/heartbeat", robotHandler.Heartbeat)
			})

			// Writes.
			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(60, time.Minute))

				r.Post("/jobs", jobHandler.Create)
				r.Post("/jobs/{id}/cancel", jobHandler.Cancel)

				r.Post("/robots/register", robotHandler.Register)
				r.Put("/robots/{robot_id}", robotHandler.Update)
				r.Put("/robots/{robot_id}/status", robotHandler.UpdateStatus)
				r.Post("/robots/{robot_id}/command", robotHandler.Command)
				r.Delete("/robots/{robot_id}", robotHandler.Delete)

				// Key material is admin-only; other write routes accept any
				// authenticated principal.
				r.Group(func(r chi.Router) {
					r.Use(RequireRole("admin"))
					r.Post("/keys", keyHandler.Create)
					r.Delete("/keys/{key_id}", keyHandler.Revoke)
				})
			})
		})
	})

	return r
}

// healthz reports process and database liveness.
func healthz(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				JSON(w, http.StatusServiceUnavailable, envelope{"status": "degraded", "database": "down"})
				return
			}
		}
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	}
}
