package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mstgnz/pawguard/handler"
	"github.com/mstgnz/pawguard/infra/metrics"
	"github.com/mstgnz/pawguard/infra/middle"
	"github.com/mstgnz/pawguard/infra/response"
	v1 "github.com/mstgnz/pawguard/router/v1"
)

// callbackBudget is the per-IP callback allowance. Gateways post from a
// handful of addresses, so it is looser than the API profiles.
const callbackBudget = 300

// Config holds the settings of the HTTP stack around the API
type Config struct {
	AllowedOrigins   []string
	MetricsAllowlist []string
	RequestTimeout   time.Duration
}

// New builds the complete HTTP handler
func New(cfg Config, api v1.Handlers, health *handler.HealthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middle.RequestMetricsMiddleware())
	r.Use(middle.PanicRecoveryMiddleware())
	r.Use(middle.SecurityHeadersMiddleware())
	r.Use(middle.RequestValidationMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", health.CheckHealth)
	r.With(middle.IPAllowlistMiddleware(cfg.MetricsAllowlist)).Handle("/metrics", metrics.Handler())

	// Gateways and browsers post here without a token. Authenticity is
	// established by the payment service: source IP, signature, amount.
	callbacks := api.Protector.Middleware(middle.ProtectOptions{
		Endpoint:    "callback",
		MaxRequests: callbackBudget,
		Window:      time.Minute,
		SkipWAF:     true,
	})
	r.With(callbacks).Post("/callback/{provider}", api.Payments.HandleCallback)
	r.With(callbacks).Post("/webhooks/{provider}", api.Payments.HandleWebhook)

	r.Route("/v1", func(r chi.Router) {
		v1.Routes(r, api)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "Not Found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "Method Not Allowed", nil)
	})

	return r
}
