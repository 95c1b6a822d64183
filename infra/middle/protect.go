package middle

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/metrics"
	"github.com/mstgnz/pawguard/infra/ratelimit"
	"github.com/mstgnz/pawguard/infra/response"
	"github.com/mstgnz/pawguard/infra/waf"
)

// ProtectOptions configures one protected endpoint. MaxRequests and Window
// override the named profile when both are set.
type ProtectOptions struct {
	Endpoint      string
	Profile       string
	MaxRequests   int
	Window        time.Duration
	SkipWAF       bool
	SkipRateLimit bool
}

// Decision is the outcome of Protect. Status is 429 or 403 when the request
// is denied.
type Decision struct {
	Allowed    bool
	Status     int
	RetryAfter time.Duration
	AttackType waf.AttackType
}

// Protector runs the rate limiter and the WAF in front of sensitive handlers
type Protector struct {
	limiter *ratelimit.Limiter
	waf     *waf.Engine
	policy  *config.Policy
}

// NewProtector creates a protector. A nil policy uses the built-in profiles.
func NewProtector(limiter *ratelimit.Limiter, engine *waf.Engine, policy *config.Policy) *Protector {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	return &Protector{limiter: limiter, waf: engine, policy: policy}
}

func (p *Protector) rule(opts ProtectOptions) ratelimit.Rule {
	if opts.MaxRequests > 0 && opts.Window > 0 {
		return ratelimit.Rule{MaxAttempts: opts.MaxRequests, Window: opts.Window}
	}
	name := opts.Profile
	if name == "" {
		name = opts.Endpoint
	}
	return ratelimit.RuleFromProfile(p.policy.Profile(name))
}

func (p *Protector) limitKey(r *http.Request, endpoint string) string {
	return endpoint + ":" + GetClientIP(r)
}

// Protect evaluates the rate limit and then the WAF. The first failing check
// decides; a store error denies the request.
func (p *Protector) Protect(r *http.Request, opts ProtectOptions) Decision {
	ctx := r.Context()
	clientIP := GetClientIP(r)
	logCtx := logger.LogContext{
		IP:        clientIP,
		RequestID: middleware.GetReqID(ctx),
		Fields:    map[string]any{"endpoint": opts.Endpoint, "path": r.URL.Path},
	}

	if !opts.SkipRateLimit && p.limiter != nil {
		res, err := p.limiter.Check(ctx, p.limitKey(r, opts.Endpoint), p.rule(opts))
		if err != nil {
			logger.Error("rate limit check failed", err, logCtx)
			return Decision{Status: http.StatusServiceUnavailable}
		}
		if res.Limited {
			metrics.RateLimitedTotal.WithLabelValues(opts.Endpoint).Inc()
			logger.Security("rate_limit_exceeded", logger.SeverityLow, logCtx)
			return Decision{Status: http.StatusTooManyRequests, RetryAfter: res.ResetIn}
		}
	}

	if !opts.SkipWAF && p.waf != nil {
		body, err := peekBody(r, p.policy.WAF.MaxInspectBytes)
		if err != nil {
			logger.Warn("request body could not be read for inspection", logCtx)
			return Decision{Status: http.StatusBadRequest}
		}

		verdict, err := p.waf.Inspect(ctx, waf.Request{
			IP:          clientIP,
			Method:      r.Method,
			Path:        r.URL.Path,
			RawQuery:    r.URL.RawQuery,
			UserAgent:   r.UserAgent(),
			Body:        body,
			ContentType: r.Header.Get("Content-Type"),
		})
		if err != nil {
			logger.Error("waf inspection failed", err, logCtx)
			return Decision{Status: http.StatusServiceUnavailable}
		}
		if verdict.Blocked {
			return Decision{Status: http.StatusForbidden, AttackType: verdict.AttackType}
		}
	}

	return Decision{Allowed: true}
}

// peekBody reads up to limit bytes of the body and puts them back in front
// of the rest, so the handler still sees the full body
func peekBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1 << 20
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return head, nil
}

// Middleware wraps a handler with Protect
func (p *Protector) Middleware(opts ProtectOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := p.Protect(r, opts)
			if !decision.Allowed {
				writeDenial(w, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeDenial(w http.ResponseWriter, d Decision) {
	switch d.Status {
	case http.StatusTooManyRequests:
		response.TooManyRequests(w, math.Max(d.RetryAfter.Seconds(), 1))
	case http.StatusForbidden:
		response.Forbidden(w)
	case http.StatusBadRequest:
		response.Error(w, http.StatusBadRequest, "Invalid request body", nil)
	default:
		response.Error(w, http.StatusServiceUnavailable, "Service temporarily unavailable", nil)
	}
}

// ResetLimit clears the caller's bucket for endpoint, e.g. after a
// successful login
func (p *Protector) ResetLimit(r *http.Request, endpoint string) {
	if p.limiter == nil {
		return
	}
	if err := p.limiter.Reset(r.Context(), p.limitKey(r, endpoint)); err != nil {
		logger.Warn("rate limit reset failed", logger.LogContext{
			IP:     GetClientIP(r),
			Fields: map[string]any{"endpoint": endpoint, "error": err.Error()},
		})
	}
}
