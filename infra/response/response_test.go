package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
)

func TestSuccessResponse(t *testing.T) {
	w := httptest.NewRecorder()

	Success(w, http.StatusOK, "Test successful", map[string]string{"key": "value"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
	}
}

func TestErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusBadRequest, "Test error", nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantCode    string
		wantRetry   string
	}{
		{
			name:        "validation is precise",
			err:         apperror.New(apperror.KindValidation, "invalid_ip", "ip must be a dotted-quad IPv4 address"),
			wantStatus:  http.StatusBadRequest,
			wantMessage: "ip must be a dotted-quad IPv4 address",
			wantCode:    "invalid_ip",
		},
		{
			name:        "auth exposes only the code",
			err:         apperror.New(apperror.KindAuth, "token_revoked", "refresh token abc was revoked"),
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Unauthorized",
			wantCode:    "token_revoked",
		},
		{
			name:        "security violation is generic",
			err:         apperror.New(apperror.KindSecurityViolation, "signature_mismatch", "hash mismatch"),
			wantStatus:  http.StatusForbidden,
			wantMessage: "Forbidden",
		},
		{
			name:        "rate limit sets retry after",
			err:         apperror.RateLimited(1500 * time.Millisecond),
			wantStatus:  http.StatusTooManyRequests,
			wantMessage: "Too many requests",
			wantRetry:   "2",
		},
		{
			name:        "plain error is internal",
			err:         errors.New("sql: connection refused"),
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			FromError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}

			var resp Response
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Message != tt.wantMessage {
				t.Errorf("Expected message %q, got %q", tt.wantMessage, resp.Message)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("Expected code %q, got %q", tt.wantCode, resp.Error)
			}
			if got := w.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Expected Retry-After %q, got %q", tt.wantRetry, got)
			}
		})
	}
}

func TestTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	TooManyRequests(w, 0)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
	}
}

func BenchmarkSuccessResponse(b *testing.B) {
	data := map[string]string{"test": "data"}

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		Success(w, http.StatusOK, "Benchmark test", data)
	}
}
