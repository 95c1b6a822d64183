package middle

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/metrics"
)

// slowRequest is the duration above which a request is logged as slow
const slowRequest = 2 * time.Second

// RequestMetricsMiddleware records every request in the Prometheus
// collectors, labelled with the chi route pattern so path parameters do not
// blow up the label cardinality
func RequestMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			route := routePattern(r)
			metrics.ObserveRequest(route, r.Method, status, elapsed)

			if elapsed > slowRequest || status >= http.StatusInternalServerError {
				logger.Warn("request finished", logger.LogContext{
					RequestID: middleware.GetReqID(r.Context()),
					IP:        GetClientIP(r),
					Fields: map[string]any{
						"route":       route,
						"method":      r.Method,
						"status":      status,
						"duration_ms": elapsed.Milliseconds(),
					},
				})
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
