package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/middle"
	"github.com/mstgnz/pawguard/infra/opensearch"
	"github.com/mstgnz/pawguard/infra/response"
	"github.com/mstgnz/pawguard/infra/waf"
)

// BlockIPRequest adds an address to the blocklist
type BlockIPRequest struct {
	IP     string `json:"ip" validate:"required,strict_ipv4"`
	Reason string `json:"reason" validate:"max=200"`
}

// SecurityEventSearcher searches indexed security events
type SecurityEventSearcher interface {
	SearchSecurityEvents(ctx context.Context, q opensearch.SecurityQuery) ([]opensearch.SecurityEvent, error)
}

// WAFHandler exposes the firewall administration endpoints
type WAFHandler struct {
	engine *waf.Engine
	events SecurityEventSearcher
}

// NewWAFHandler creates a WAF admin handler. events may be nil when
// OpenSearch logging is disabled.
func NewWAFHandler(engine *waf.Engine, events SecurityEventSearcher) *WAFHandler {
	return &WAFHandler{engine: engine, events: events}
}

// Stats returns attack counters and the recent attack log
func (h *WAFHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetAttackStats(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Attack statistics", stats)
}

// BlockedIPs lists the blocklist
func (h *WAFHandler) BlockedIPs(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.engine.GetBlockedIPs(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Blocked IPs", blocked)
}

// BlockIP adds a dotted-quad IPv4 address to the blocklist
func (h *WAFHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req BlockIPRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "blocked by administrator"
	}

	if err := h.engine.BlockIP(r.Context(), req.IP, req.Reason); err != nil {
		response.FromError(w, err)
		return
	}

	h.audit(r, "ip_blocked", req.IP)
	response.Success(w, http.StatusOK, "IP blocked", map[string]string{"ip": req.IP})
}

// UnblockIP removes an address from the blocklist
func (h *WAFHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := h.engine.UnblockIP(r.Context(), ip); err != nil {
		response.FromError(w, err)
		return
	}

	h.audit(r, "ip_unblocked", ip)
	response.Success(w, http.StatusOK, "IP unblocked", map[string]string{"ip": ip})
}

// SecurityEvents searches the indexed security events. Supported query
// parameters: event, severity, ip, hours, size.
func (h *WAFHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		response.FromError(w, apperror.New(apperror.KindUnavailable, "search_disabled", "security event search is not enabled"))
		return
	}

	q := r.URL.Query()
	query := opensearch.SecurityQuery{
		Event:    q.Get("event"),
		Severity: q.Get("severity"),
		IP:       q.Get("ip"),
	}
	if hours, err := strconv.Atoi(q.Get("hours")); err == nil {
		query.Hours = hours
	}
	if size, err := strconv.Atoi(q.Get("size")); err == nil {
		query.Size = size
	}

	events, err := h.events.SearchSecurityEvents(r.Context(), query)
	if err != nil {
		logger.Error("security event search failed", err)
		response.FromError(w, apperror.Wrap(apperror.KindUnavailable, "search_failed", err))
		return
	}
	response.Success(w, http.StatusOK, "Security events", events)
}

func (h *WAFHandler) audit(r *http.Request, event, ip string) {
	logCtx := logger.LogContext{IP: middle.GetClientIP(r), Fields: map[string]any{"target_ip": ip}}
	if claims, ok := middle.ClaimsFromContext(r.Context()); ok {
		logCtx.UserID = claims.UserID
	}
	logger.Security(event, logger.SeverityMedium, logCtx)
}
