package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/conn"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/opensearch"
)

// PaymentLogger records outbound provider calls for audit and support
type PaymentLogger interface {
	LogRequest(ctx context.Context, providerName, operation, orderRef string, request any) (string, error)
	LogResponse(ctx context.Context, logID, status string, response any, elapsed time.Duration) error
	LogError(ctx context.Context, logID, errorCode, errorMsg string, elapsed time.Duration) error
}

// ProviderCall is one logged outbound call
type ProviderCall struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	Operation      string     `json:"operation"`
	OrderReference string     `json:"orderReference"`
	Request        string     `json:"request"`
	Response       string     `json:"response,omitempty"`
	Status         string     `json:"status,omitempty"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ProcessingMs   int64      `json:"processingMs"`
	RequestAt      time.Time  `json:"requestAt"`
	ResponseAt     *time.Time `json:"responseAt,omitempty"`
}

const providerCallsSchema = `
CREATE TABLE IF NOT EXISTS provider_calls (
	id              TEXT PRIMARY KEY,
	provider        TEXT NOT NULL,
	operation       TEXT NOT NULL,
	order_reference TEXT NOT NULL,
	request         TEXT NOT NULL,
	response        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	error_code      TEXT NOT NULL DEFAULT '',
	processing_ms   BIGINT NOT NULL DEFAULT 0,
	request_at      TIMESTAMP NOT NULL,
	response_at     TIMESTAMP NULL
)`

const providerCallsIndex = `CREATE INDEX IF NOT EXISTS idx_provider_calls_order ON provider_calls (order_reference, request_at)`

// DBPaymentLogger implements PaymentLogger on the provider_calls table.
// Payloads pass through the log sanitizer before they are stored.
type DBPaymentLogger struct {
	db *conn.DB
}

// NewDBPaymentLogger creates a new database payment logger
func NewDBPaymentLogger(db *conn.DB) *DBPaymentLogger {
	return &DBPaymentLogger{db: db}
}

// Migrate creates the provider_calls table
func (l *DBPaymentLogger) Migrate(ctx context.Context) error {
	return l.db.Migrate(ctx, providerCallsSchema, providerCallsIndex)
}

// LogRequest stores the outgoing request and returns the log id
func (l *DBPaymentLogger) LogRequest(ctx context.Context, providerName, operation, orderRef string, request any) (string, error) {
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	logID := uuid.NewString()
	query := `
		INSERT INTO provider_calls (id, provider, operation, order_reference, request, request_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = l.db.ExecContext(ctx, query, logID, providerName, operation, orderRef,
		opensearch.SanitizeForLog(string(requestJSON)), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to log provider request: %w", err)
	}

	return logID, nil
}

// LogResponse completes the record created by LogRequest
func (l *DBPaymentLogger) LogResponse(ctx context.Context, logID, status string, response any, elapsed time.Duration) error {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return l.complete(ctx, logID, status, "", opensearch.SanitizeForLog(string(responseJSON)), elapsed)
}

// LogError completes the record with an error
func (l *DBPaymentLogger) LogError(ctx context.Context, logID, errorCode, errorMsg string, elapsed time.Duration) error {
	body, _ := json.Marshal(map[string]string{"error": errorMsg})
	return l.complete(ctx, logID, "error", errorCode, string(body), elapsed)
}

func (l *DBPaymentLogger) complete(ctx context.Context, logID, status, errorCode, body string, elapsed time.Duration) error {
	query := `
		UPDATE provider_calls
		SET response = $1, status = $2, error_code = $3, processing_ms = $4, response_at = $5
		WHERE id = $6`

	res, err := l.db.ExecContext(ctx, query, body, status, errorCode, elapsed.Milliseconds(), time.Now().UTC(), logID)
	if err != nil {
		return fmt.Errorf("failed to log provider response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no provider call with id %s", logID)
	}
	return nil
}

// CallsForOrder lists the logged calls of an order, oldest first
func (l *DBPaymentLogger) CallsForOrder(ctx context.Context, orderRef string) ([]ProviderCall, error) {
	query := `
		SELECT id, provider, operation, order_reference, request, response, status, error_code,
			processing_ms, request_at, response_at
		FROM provider_calls WHERE order_reference = $1 ORDER BY request_at ASC`

	rows, err := l.db.QueryContext(ctx, query, orderRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider calls: %w", err)
	}
	defer rows.Close()

	var calls []ProviderCall
	for rows.Next() {
		var c ProviderCall
		if err := rows.Scan(&c.ID, &c.Provider, &c.Operation, &c.OrderReference, &c.Request, &c.Response,
			&c.Status, &c.ErrorCode, &c.ProcessingMs, &c.RequestAt, &c.ResponseAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// nopPaymentLogger is used when no database logger is configured
type nopPaymentLogger struct{}

func (nopPaymentLogger) LogRequest(context.Context, string, string, string, any) (string, error) {
	return "", nil
}

func (nopPaymentLogger) LogResponse(context.Context, string, string, any, time.Duration) error {
	return nil
}

func (nopPaymentLogger) LogError(context.Context, string, string, string, time.Duration) error {
	return nil
}

// logCall runs fn between LogRequest and LogResponse/LogError. Logging
// failures never fail the payment operation.
func logCall[T any](ctx context.Context, pl PaymentLogger, providerName, operation, orderRef string, request any, fn func() (T, error)) (T, error) {
	start := time.Now()
	logID, err := pl.LogRequest(ctx, providerName, operation, orderRef, request)
	if err != nil {
		logger.Warn(fmt.Sprintf("provider call log failed: %v", err), logger.LogContext{Provider: providerName})
	}

	result, callErr := fn()
	if logID == "" {
		return result, callErr
	}

	if callErr != nil {
		code := "error"
		if appErr, ok := apperror.As(callErr); ok {
			code = appErr.Code
		}
		err = pl.LogError(ctx, logID, code, callErr.Error(), time.Since(start))
	} else {
		err = pl.LogResponse(ctx, logID, "ok", result, time.Since(start))
	}
	if err != nil {
		logger.Warn(fmt.Sprintf("provider call log failed: %v", err), logger.LogContext{Provider: providerName})
	}
	return result, callErr
}
