package middle

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/response"
)

// PanicRecoveryMiddleware turns a panic into a generic 500 and logs the
// stack with the request id
func PanicRecoveryMiddleware() func(http.Handler) http.Handler {
	return PanicRecoveryWithCustomHandler(func(w http.ResponseWriter, r *http.Request, rec any) {
		fields := map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"stack":  string(debug.Stack()),
		}
		logCtx := logger.LogContext{
			RequestID: middleware.GetReqID(r.Context()),
			IP:        GetClientIP(r),
			Fields:    fields,
		}
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			logCtx.UserID = claims.UserID
		}
		logger.Error("panic recovered", fmt.Errorf("%v", rec), logCtx)

		response.Error(w, http.StatusInternalServerError, "Internal server error", nil)
	})
}

// PanicRecoveryWithCustomHandler recovers panics with handler.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func PanicRecoveryWithCustomHandler(handler func(http.ResponseWriter, *http.Request, any)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				handler(w, r, rec)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
