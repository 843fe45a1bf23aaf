/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the wallet frontend

ROUTE GROUPS:
  /api/session/*        Wallet login (rate limited per IP)
  /api/me/*             Connected account (token required)
  /api/trips            Trip submission and history
  /api/rewards/*        Catalog and redemption
  /api/redemptions      Redemption history (token required)
  /healthz              Liveness
  /metrics              Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token checks and the login rate limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/commute-rewards/logging"
	"golang.org/x/time/rate"
)

// RouterOptions tunes the router around the handlers.
type RouterOptions struct {
	CORSOrigins []string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// LoginRate and LoginBurst limit /api/session per client IP.
	LoginRate  rate.Limit
	LoginBurst int
}

// DefaultRouterOptions allows the local frontend dev servers and ten
// login requests per second per IP.
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{
		CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		LoginRate:   rate.Limit(10),
		LoginBurst:  20,
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.LoginRate == 0 {
		opts.LoginRate = rate.Inf
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	limiter := newIPLimiter(opts.LoginRate, opts.LoginBurst)

	r.Route("/api", func(r chi.Router) {
		// Session routes
		r.Route("/session", func(r chi.Router) {
			r.With(limiter.middleware).Get("/challenge", h.GetChallenge)
			r.With(limiter.middleware).Post("/", h.Login)
			r.With(h.requireSession).Delete("/", h.Logout)
		})

		// Public routes
		r.Get("/modes", h.ListModes)
		r.Get("/rewards", h.ListRewards)

		// Connected-wallet routes
		r.Group(func(r chi.Router) {
			r.Use(h.requireSession)

			r.Get("/me", h.GetMe)
			r.Post("/me/balance/refresh", h.RefreshBalance)

			r.Post("/trips", h.SubmitTrip)
			r.Get("/trips", h.ListTrips)

			r.Post("/rewards/{id}/redeem", h.RedeemReward)
			r.Get("/redemptions", h.ListRedemptions)
		})
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// requestLogger writes one structured entry per request.
func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.WithFields(logging.Fields{
				"status":     ww.Status(),
				"method":     r.Method,
				"path":       r.URL.Path,
				"latency":    time.Since(start),
				"client_ip":  r.RemoteAddr,
				"request_id": middleware.GetReqID(r.Context()),
				"bytes":      ww.BytesWritten(),
			}).Info("HTTP request")
		})
	}
}
