package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/conn"
	"github.com/mstgnz/pawguard/infra/logger"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = apperror.New(apperror.KindAuth, "invalid_credentials", "invalid credentials")
	ErrUserExists         = apperror.New(apperror.KindValidation, "user_exists", "an account with this email already exists")
	ErrUserNotFound       = apperror.New(apperror.KindNotFound, "user_not_found", "user not found")
)

// Roles
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL DEFAULT '',
	password_hash  TEXT NOT NULL,
	role           TEXT NOT NULL DEFAULT 'customer',
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMP NOT NULL,
	last_login     TIMESTAMP NULL
)`

// dummyHash keeps the login timing the same whether or not the email exists
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("pawguard-dummy-password"), bcrypt.DefaultCost)

// User is a customer or staff account
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	PasswordHash  string     `json:"-"`
	Role          string     `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
}

// RegisterRequest represents a registration request
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72,strong_password"`
	Name     string `json:"name" validate:"required,min=2,max=100"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// UserService handles account storage and password checks
type UserService struct {
	db *conn.DB
}

// NewUserService creates a new user service
func NewUserService(db *conn.DB) *UserService {
	return &UserService{db: db}
}

// Migrate creates the users table
func (s *UserService) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, usersSchema)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a customer account
func (s *UserService) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.create(ctx, req, RoleCustomer, false)
}

func (s *UserService) create(ctx context.Context, req RegisterRequest, role string, verified bool) (*User, error) {
	email := normalizeEmail(req.Email)

	if _, err := s.GetByEmail(ctx, email); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          strings.TrimSpace(req.Name),
		PasswordHash:  string(hashed),
		Role:          role,
		EmailVerified: verified,
		CreatedAt:     time.Now().UTC(),
	}

	query := `
		INSERT INTO users (id, email, name, password_hash, role, email_verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role, user.EmailVerified, user.CreatedAt)
	if err != nil {
		// lost a race with a concurrent registration of the same email
		if _, lookupErr := s.GetByEmail(ctx, email); lookupErr == nil {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Authenticate checks credentials. Unknown email and wrong password give
// the same error and take the same time.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := s.updateLastLogin(ctx, user.ID); err != nil {
		logger.Warn("failed to update last login", logger.LogContext{UserID: user.ID})
	}
	return user, nil
}

// GetByEmail retrieves a user by email
func (s *UserService) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, `
		SELECT id, email, name, password_hash, role, email_verified, created_at, last_login
		FROM users
		WHERE email = $1
	`, normalizeEmail(email))
}

// GetByID retrieves a user by ID
func (s *UserService) GetByID(ctx context.Context, id string) (*User, error) {
	return s.getOne(ctx, `
		SELECT id, email, name, password_hash, role, email_verified, created_at, last_login
		FROM users
		WHERE id = $1
	`, id)
}

func (s *UserService) getOne(ctx context.Context, query string, arg any) (*User, error) {
	var (
		user      User
		lastLogin sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.Role,
		&user.EmailVerified,
		&user.CreatedAt,
		&lastLogin,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return &user, nil
}

func (s *UserService) updateLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// MarkEmailVerified flags the account as verified
func (s *UserService) MarkEmailVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET email_verified = $1 WHERE id = $2`, true, id)
	if err != nil {
		return fmt.Errorf("failed to verify email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// EnsureAdmin creates the admin account on first start. An existing account
// with the same email is left untouched.
func (s *UserService) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	_, err := s.create(ctx, RegisterRequest{Email: email, Password: password, Name: "Administrator"}, RoleAdmin, true)
	if errors.Is(err, ErrUserExists) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("admin account created", logger.LogContext{Fields: map[string]any{"email": normalizeEmail(email)}})
	return nil
}
