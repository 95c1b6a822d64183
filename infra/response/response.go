package response

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/mstgnz/pawguard/infra/apperror"
)

// Response is a standardized API response structure
type Response struct {
	Code    int    `json:"code"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON encodes v as the response body
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// Success writes a successful response with data
func Success(w http.ResponseWriter, statusCode int, message string, data any) {
	resp := Response{
		Code:    statusCode,
		Success: true,
		Message: message,
		Data:    data,
	}
	WriteJSON(w, statusCode, resp)
}

// Error writes an error response
func Error(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := Response{
		Code:    statusCode,
		Success: false,
		Message: message,
	}

	if err != nil {
		resp.Error = err.Error()
	}

	WriteJSON(w, statusCode, resp)
}

// FromError writes err using its apperror kind. Only the public message and
// the machine readable code reach the client.
func FromError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	status := apperror.HTTPStatus(kind)

	resp := Response{
		Code:    status,
		Success: false,
		Message: apperror.PublicMessage(err),
	}

	if appErr, ok := apperror.As(err); ok {
		switch kind {
		case apperror.KindValidation, apperror.KindAuth, apperror.KindNotFound:
			resp.Error = appErr.Code
		case apperror.KindRateLimit:
			SetRetryAfter(w, appErr.RetryAfter.Seconds())
		}
	}

	WriteJSON(w, status, resp)
}

// TooManyRequests writes the generic rate limit denial
func TooManyRequests(w http.ResponseWriter, retryAfterSeconds float64) {
	SetRetryAfter(w, retryAfterSeconds)
	Error(w, http.StatusTooManyRequests, "Too many requests", nil)
}

// Forbidden writes the generic firewall denial
func Forbidden(w http.ResponseWriter) {
	Error(w, http.StatusForbidden, "Forbidden", nil)
}

// SetRetryAfter sets the Retry-After header, rounding up to whole seconds
func SetRetryAfter(w http.ResponseWriter, seconds float64) {
	if seconds <= 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(seconds))))
}
