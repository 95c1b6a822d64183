package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/opensearch"
	"github.com/mstgnz/pawguard/infra/store"
	"github.com/mstgnz/pawguard/infra/waf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventSearcher struct {
	query  opensearch.SecurityQuery
	events []opensearch.SecurityEvent
	err    error
}

func (f *fakeEventSearcher) SearchSecurityEvents(_ context.Context, q opensearch.SecurityQuery) ([]opensearch.SecurityEvent, error) {
	f.query = q
	return f.events, f.err
}

func newWAFHandler(t *testing.T, events SecurityEventSearcher) (*WAFHandler, *waf.Engine) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	engine := waf.New(s, config.DefaultPolicy().WAF)
	return NewWAFHandler(engine, events), engine
}

func adminRequest(req *http.Request) *http.Request {
	return withClaims(req, "admin-1", auth.RoleAdmin)
}

func TestWAFHandler_BlockIP(t *testing.T) {
	h, engine := newWAFHandler(t, nil)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{name: "valid", body: `{"ip":"203.0.113.7","reason":"card testing"}`, expectedStatus: http.StatusOK},
		{name: "default reason", body: `{"ip":"203.0.113.8"}`, expectedStatus: http.StatusOK},
		{name: "leading zero", body: `{"ip":"203.0.113.07"}`, expectedStatus: http.StatusBadRequest},
		{name: "ipv6", body: `{"ip":"2001:db8::1"}`, expectedStatus: http.StatusBadRequest},
		{name: "missing ip", body: `{"reason":"x"}`, expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h.BlockIP, adminRequest(jsonRequest(http.MethodPost, "/v1/admin/waf/block", tt.body)))
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}

	blocked, err := engine.GetBlockedIPs(context.Background())
	require.NoError(t, err)
	require.Len(t, blocked, 2)

	reasons := map[string]string{}
	for _, b := range blocked {
		reasons[b.IP] = b.Reason
	}
	assert.Equal(t, "card testing", reasons["203.0.113.7"])
	assert.Equal(t, "blocked by administrator", reasons["203.0.113.8"])
}

func TestWAFHandler_UnblockIP(t *testing.T) {
	h, engine := newWAFHandler(t, nil)
	ctx := context.Background()
	require.NoError(t, engine.BlockIP(ctx, "203.0.113.7", "test"))

	req := withURLParams(httptest.NewRequest(http.MethodDelete, "/v1/admin/waf/block/203.0.113.7", nil), map[string]string{"ip": "203.0.113.7"})
	rec := serve(h.UnblockIP, adminRequest(req))
	assert.Equal(t, http.StatusOK, rec.Code)

	blocked, err := engine.IsBlocked(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, blocked)

	req = withURLParams(httptest.NewRequest(http.MethodDelete, "/v1/admin/waf/block/bogus", nil), map[string]string{"ip": "bogus"})
	assert.Equal(t, http.StatusBadRequest, serve(h.UnblockIP, adminRequest(req)).Code)
}

func TestWAFHandler_Stats(t *testing.T) {
	h, engine := newWAFHandler(t, nil)
	ctx := context.Background()

	verdict, err := engine.Inspect(ctx, waf.Request{IP: "203.0.113.9", Method: http.MethodGet, Path: "/v1/payments", RawQuery: "id=1%27%20OR%20%271%27%3D%271"})
	require.NoError(t, err)
	require.True(t, verdict.Blocked)

	rec := serve(h.Stats, adminRequest(httptest.NewRequest(http.MethodGet, "/v1/admin/waf/stats", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats waf.AttackStats
	decode(t, rec, &stats)
	assert.Equal(t, int64(1), stats.TotalAttacks)
	assert.Equal(t, 1, stats.ByType[waf.AttackSQLInjection])

	rec = serve(h.BlockedIPs, adminRequest(httptest.NewRequest(http.MethodGet, "/v1/admin/waf/blocked", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWAFHandler_SecurityEvents(t *testing.T) {
	disabled, _ := newWAFHandler(t, nil)
	rec := serve(disabled.SecurityEvents, adminRequest(httptest.NewRequest(http.MethodGet, "/v1/admin/security/events", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	events := &fakeEventSearcher{events: []opensearch.SecurityEvent{{Event: "waf_attack_detected", Severity: "high", IP: "203.0.113.9"}}}
	h, _ := newWAFHandler(t, events)
	rec = serve(h.SecurityEvents, adminRequest(httptest.NewRequest(http.MethodGet, "/v1/admin/security/events?event=waf_attack_detected&severity=high&hours=6&size=abc", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, opensearch.SecurityQuery{Event: "waf_attack_detected", Severity: "high", Hours: 6}, events.query)

	var got []opensearch.SecurityEvent
	decode(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.9", got[0].IP)

	events.err = errors.New("cluster red")
	rec = serve(h.SecurityEvents, adminRequest(httptest.NewRequest(http.MethodGet, "/v1/admin/security/events", nil)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "cluster red")
}
