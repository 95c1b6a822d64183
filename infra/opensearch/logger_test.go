package opensearch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mstgnz/pawguard/infra/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*fakeCluster, *Logger) {
	t.Helper()
	fc, srv := newFakeCluster(t)
	client, err := NewClient(&config.AppConfig{OpenSearchURL: srv.URL, EnableLogging: true})
	require.NoError(t, err)
	return fc, NewLogger(client)
}

func TestLogger_LogSecurityEvent(t *testing.T) {
	fc, l := newTestLogger(t)

	err := l.LogSecurityEvent(context.Background(), SecurityEvent{
		Event:    "signature_mismatch",
		Severity: "high",
		IP:       "10.1.2.3",
		Provider: "paytr",
		Fields:   map[string]any{"hash": "abc", "merchant_oid": "ord1"},
	})
	require.NoError(t, err)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.docs[SecurityIndex], 1)

	var stored SecurityEvent
	require.NoError(t, json.Unmarshal(fc.docs[SecurityIndex][0], &stored))
	assert.Equal(t, "signature_mismatch", stored.Event)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Equal(t, "***REDACTED***", stored.Fields["hash"])
	assert.Equal(t, "ord1", stored.Fields["merchant_oid"])
}

func TestLogger_DisabledIsNoop(t *testing.T) {
	client, err := NewClient(&config.AppConfig{OpenSearchURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	l := NewLogger(client)

	assert.NoError(t, l.LogSecurityEvent(context.Background(), SecurityEvent{Event: "x"}))
	assert.NoError(t, l.LogSystemEvent(context.Background(), map[string]string{"message": "hi"}))

	_, err = l.SearchSecurityEvents(context.Background(), SecurityQuery{})
	assert.Error(t, err)
}

func TestLogger_SearchSecurityEvents(t *testing.T) {
	_, l := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.LogSecurityEvent(ctx, SecurityEvent{Event: "waf_block", Severity: "medium", IP: "1.1.1.1"}))
	require.NoError(t, l.LogSecurityEvent(ctx, SecurityEvent{Event: "revoked_token_use", Severity: "high", UserID: "u1"}))

	events, err := l.SearchSecurityEvents(ctx, SecurityQuery{Hours: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "waf_block", events[0].Event)
	assert.Equal(t, "u1", events[1].UserID)
}

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "password",
			input: `{"email":"a@b.c","password":"hunter2"}`,
			want:  `{"email":"a@b.c","password":"***REDACTED***"}`,
		},
		{
			name:  "refresh_token",
			input: `{"refresh_token": "eyJ.abc.def"}`,
			want:  `{"refresh_token": "***REDACTED***"}`,
		},
		{
			name:  "untouched",
			input: `{"merchant_oid":"ord1"}`,
			want:  `{"merchant_oid":"ord1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeForLog(tt.input))
		})
	}
}
