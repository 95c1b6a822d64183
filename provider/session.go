package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/conn"
)

var ErrSessionNotFound = apperror.New(apperror.KindNotFound, "session_not_found", "payment session not found")

// PaymentSession is a checkout opened for a booking. Amount is in minor
// units and never changes after creation.
type PaymentSession struct {
	OrderReference string        `json:"orderReference"`
	Provider       string        `json:"provider"`
	UserID         string        `json:"userId"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	Buyer          Buyer         `json:"buyer"`
	BasketItems    []BasketItem  `json:"basketItems"`
	Status         PaymentStatus `json:"status"`
	ProviderToken  string        `json:"-"`
	TransactionID  string        `json:"transactionId,omitempty"`
	FailureReason  string        `json:"failureReason,omitempty"`
	RefundedAmount int64         `json:"refundedAmount,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// SessionStore persists payment sessions
type SessionStore interface {
	Create(ctx context.Context, session *PaymentSession) error
	Get(ctx context.Context, orderRef string) (*PaymentSession, error)
	SetProviderToken(ctx context.Context, orderRef, token string) error
	// Transition writes the status and result fields of session, but only
	// if the stored status is still from. It reports whether it did.
	Transition(ctx context.Context, session *PaymentSession, from PaymentStatus) (bool, error)
}

// MemorySessionStore keeps sessions in process memory
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]PaymentSession
}

// NewMemorySessionStore creates an empty in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]PaymentSession)}
}

func (m *MemorySessionStore) Create(_ context.Context, session *PaymentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.OrderReference]; exists {
		return fmt.Errorf("payment session %s already exists", session.OrderReference)
	}
	m.sessions[session.OrderReference] = cloneSession(*session)
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, orderRef string) (*PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[orderRef]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := cloneSession(s)
	return &out, nil
}

func (m *MemorySessionStore) SetProviderToken(_ context.Context, orderRef, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[orderRef]
	if !ok {
		return ErrSessionNotFound
	}
	s.ProviderToken = token
	m.sessions[orderRef] = s
	return nil
}

func (m *MemorySessionStore) Transition(_ context.Context, session *PaymentSession, from PaymentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[session.OrderReference]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = session.Status
	s.TransactionID = session.TransactionID
	s.FailureReason = session.FailureReason
	s.RefundedAmount = session.RefundedAmount
	s.UpdatedAt = session.UpdatedAt
	m.sessions[session.OrderReference] = s
	return true, nil
}

func cloneSession(s PaymentSession) PaymentSession {
	s.BasketItems = append([]BasketItem(nil), s.BasketItems...)
	return s
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS payment_sessions (
	order_reference TEXT PRIMARY KEY,
	provider        TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	currency        TEXT NOT NULL,
	buyer           TEXT NOT NULL,
	basket_items    TEXT NOT NULL,
	status          TEXT NOT NULL,
	provider_token  TEXT NOT NULL DEFAULT '',
	transaction_id  TEXT NOT NULL DEFAULT '',
	failure_reason  TEXT NOT NULL DEFAULT '',
	refunded_amount BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
)`

const sessionsStatusIndex = `CREATE INDEX IF NOT EXISTS idx_payment_sessions_status ON payment_sessions (status, created_at)`

// SQLSessionStore keeps sessions in the payment_sessions table. Buyer and
// basket are stored as JSON.
type SQLSessionStore struct {
	db *conn.DB
}

// NewSQLSessionStore creates a store on db
func NewSQLSessionStore(db *conn.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

// Migrate creates the payment_sessions table
func (s *SQLSessionStore) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, sessionsSchema, sessionsStatusIndex)
}

func (s *SQLSessionStore) Create(ctx context.Context, session *PaymentSession) error {
	buyer, err := json.Marshal(session.Buyer)
	if err != nil {
		return fmt.Errorf("failed to marshal buyer: %w", err)
	}
	basket, err := json.Marshal(session.BasketItems)
	if err != nil {
		return fmt.Errorf("failed to marshal basket: %w", err)
	}

	query := `
		INSERT INTO payment_sessions (order_reference, provider, user_id, amount, currency, buyer, basket_items, status, provider_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.db.ExecContext(ctx, query,
		session.OrderReference, session.Provider, session.UserID, session.Amount, session.Currency,
		string(buyer), string(basket), string(session.Status), session.ProviderToken,
		session.CreatedAt.UTC(), session.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert payment session: %w", err)
	}
	return nil
}

func (s *SQLSessionStore) Get(ctx context.Context, orderRef string) (*PaymentSession, error) {
	query := `
		SELECT order_reference, provider, user_id, amount, currency, buyer, basket_items, status,
			provider_token, transaction_id, failure_reason, refunded_amount, created_at, updated_at
		FROM payment_sessions WHERE order_reference = $1`

	var (
		session       PaymentSession
		buyer, basket string
		status        string
	)
	err := s.db.QueryRowContext(ctx, query, orderRef).Scan(
		&session.OrderReference, &session.Provider, &session.UserID, &session.Amount, &session.Currency,
		&buyer, &basket, &status, &session.ProviderToken, &session.TransactionID, &session.FailureReason,
		&session.RefundedAmount, &session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment session: %w", err)
	}

	session.Status = PaymentStatus(status)
	if err := json.Unmarshal([]byte(buyer), &session.Buyer); err != nil {
		return nil, fmt.Errorf("failed to decode buyer: %w", err)
	}
	if err := json.Unmarshal([]byte(basket), &session.BasketItems); err != nil {
		return nil, fmt.Errorf("failed to decode basket: %w", err)
	}
	return &session, nil
}

func (s *SQLSessionStore) SetProviderToken(ctx context.Context, orderRef, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_sessions SET provider_token = $1, updated_at = $2 WHERE order_reference = $3`,
		token, time.Now().UTC(), orderRef)
	if err != nil {
		return fmt.Errorf("failed to store provider token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLSessionStore) Transition(ctx context.Context, session *PaymentSession, from PaymentStatus) (bool, error) {
	query := `
		UPDATE payment_sessions
		SET status = $1, transaction_id = $2, failure_reason = $3, refunded_amount = $4, updated_at = $5
		WHERE order_reference = $6 AND status = $7`

	res, err := s.db.ExecContext(ctx, query,
		string(session.Status), session.TransactionID, session.FailureReason, session.RefundedAmount,
		session.UpdatedAt.UTC(), session.OrderReference, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update payment session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
