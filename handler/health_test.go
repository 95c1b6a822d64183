package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mstgnz/pawguard/infra/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_CheckHealth(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	registered := []string{"iyzico", "paytr", "stripe"}

	tests := []struct {
		name           string
		components     map[string]Pinger
		available      []string
		expectedStatus int
		expectedHealth string
	}{
		{
			name:           "all up",
			components:     map[string]Pinger{"store": ok, "database": ok},
			available:      registered,
			expectedStatus: http.StatusOK,
			expectedHealth: "healthy",
		},
		{
			name:           "provider without credentials",
			components:     map[string]Pinger{"store": ok, "database": ok},
			available:      []string{"iyzico", "paytr"},
			expectedStatus: http.StatusOK,
			expectedHealth: "degraded",
		},
		{
			name:           "store down",
			components:     map[string]Pinger{"store": down, "database": ok},
			available:      []string{"iyzico"},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.components, registered, func() []string { return tt.available }, "1.2.3", "test")
			rec := httptest.NewRecorder()
			h.CheckHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.expectedStatus, rec.Code)

			var health HealthStatus
			decode(t, rec, &health)
			assert.Equal(t, tt.expectedHealth, health.Status)
			assert.Equal(t, "1.2.3", health.Version)
			require.Len(t, health.Providers, len(registered))
			require.NotNil(t, health.System)
			assert.Positive(t, health.System.GoRoutines)
		})
	}
}

func TestHealthHandler_MemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(store.WithCapacity(2))
	require.NoError(t, mem.Set(ctx, "rl:login:198.51.100.1", "1", time.Minute))

	check := func() HealthStatus {
		h := NewHealthHandler(map[string]Pinger{"store": mem}, nil, nil, "dev", "test")
		rec := httptest.NewRecorder()
		h.CheckHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var health HealthStatus
		decode(t, rec, &health)
		return health
	}

	health := check()
	assert.Equal(t, "healthy", health.Status)
	require.NotNil(t, health.Components["store"].Stats)
	assert.Equal(t, 1, health.Components["store"].Stats.Size)
	assert.Equal(t, 2, health.Components["store"].Stats.MaxSize)

	require.NoError(t, mem.Set(ctx, "rl:login:198.51.100.2", "1", time.Minute))
	require.NoError(t, mem.Set(ctx, "rl:login:198.51.100.3", "1", time.Minute))
	health = check()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, int64(1), health.Components["store"].Stats.Evictions)
}

func TestHealthHandler_ComponentErrorReported(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return errors.New("database is locked") }),
	}, nil, nil, "dev", "test")

	rec := httptest.NewRecorder()
	h.CheckHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health HealthStatus
	decode(t, rec, &health)
	require.Contains(t, health.Components, "database")
	assert.False(t, health.Components["database"].Healthy)
	assert.Equal(t, "database is locked", health.Components["database"].Error)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}
