package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/pawguard/handler"
	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/middle"
)

// Handlers are the dependencies of the v1 API
type Handlers struct {
	Auth      *handler.AuthHandler
	Payments  *handler.PaymentHandler
	WAF       *handler.WAFHandler
	Tokens    middle.AccessTokenValidator
	Protector *middle.Protector
}

// Routes registers all API routes. Every route is rate limited and
// inspected by the WAF under its own profile; the profile name doubles as
// the rate-limit key.
func Routes(r chi.Router, h Handlers) {
	protect := func(profile string) func(http.Handler) http.Handler {
		return h.Protector.Middleware(middle.ProtectOptions{Endpoint: profile, Profile: profile})
	}
	requireAuth := middle.RequireAuth(h.Tokens)

	r.Route("/auth", func(r chi.Router) {
		r.With(protect(config.ProfileRegister)).Post("/register", h.Auth.Register)
		r.With(h.Protector.Middleware(middle.ProtectOptions{Endpoint: handler.LoginEndpoint, Profile: config.ProfileLogin})).Post("/login", h.Auth.Login)
		r.With(protect(config.ProfileTokenRefresh)).Post("/refresh", h.Auth.Refresh)
		r.With(protect(config.ProfileLogout), requireAuth).Post("/logout", h.Auth.Logout)
		r.With(protect(config.ProfileLogout), requireAuth).Post("/logout-all", h.Auth.LogoutAll)
		r.With(protect(config.ProfileVerifyEmail)).Post("/verify-email", h.Auth.VerifyEmail)

		// per IP here, per address inside the handler
		r.With(protect(config.ProfileResendPerIP)).Post("/verify-email/resend", h.Auth.ResendVerification)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Use(requireAuth)
		r.With(protect(config.ProfilePaymentCreate)).Post("/{provider}", h.Payments.CreateSession)
		r.With(protect(config.ProfilePaymentStatus)).Get("/{orderRef}", h.Payments.GetSession)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(protect(config.ProfileWAFAdmin), requireAuth, middle.RequireRole(auth.RoleAdmin))

		r.Post("/payments/{orderRef}/refund", h.Payments.Refund)
		r.Get("/payments/{orderRef}/calls", h.Payments.ListCalls)

		r.Route("/waf", func(r chi.Router) {
			r.Get("/stats", h.WAF.Stats)
			r.Get("/blocked", h.WAF.BlockedIPs)
			r.Post("/block", h.WAF.BlockIP)
			r.Delete("/block/{ip}", h.WAF.UnblockIP)
		})

		r.Get("/security/events", h.WAF.SecurityEvents)
	})
}
