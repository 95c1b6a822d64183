package middle

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/response"
)

type claimsKey struct{}

// AccessTokenValidator is the part of auth.TokenService the middleware needs
type AccessTokenValidator interface {
	ValidateAccessToken(token string) (*auth.AccessClaims, error)
}

var errMissingBearer = apperror.New(apperror.KindAuth, "token_invalid", "bearer token required")

// RequireAuth validates the bearer access token and stores its claims in the
// request context
func RequireAuth(tokens AccessTokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				response.FromError(w, errMissingBearer)
				return
			}

			claims, err := tokens.ValidateAccessToken(strings.TrimSpace(token))
			if err != nil {
				logger.Debug("access token rejected", logger.LogContext{
					IP:        GetClientIP(r),
					RequestID: middleware.GetReqID(r.Context()),
					Fields:    map[string]any{"code": errorCode(err)},
				})
				response.FromError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole allows only callers whose access token carries one of roles.
// It must run after RequireAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.FromError(w, errMissingBearer)
				return
			}

			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			logger.Security("role_denied", logger.SeverityMedium, logger.LogContext{
				UserID: claims.UserID,
				IP:     GetClientIP(r),
				Fields: map[string]any{"path": r.URL.Path, "role": claims.Role},
			})
			response.FromError(w, apperror.New(apperror.KindAuthorization, "forbidden", "insufficient permissions"))
		})
	}
}

// WithClaims returns a context carrying claims
func WithClaims(ctx context.Context, claims *auth.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by RequireAuth
func ClaimsFromContext(ctx context.Context) (*auth.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.AccessClaims)
	return claims, ok && claims != nil
}

func errorCode(err error) string {
	if appErr, ok := apperror.As(err); ok {
		return appErr.Code
	}
	return "unknown"
}
