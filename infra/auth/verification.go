package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/notify"
	"github.com/mstgnz/pawguard/infra/store"
)

var (
	ErrVerificationInvalid = apperror.New(apperror.KindValidation, "verification_invalid", "verification link is invalid or already used")
	ErrVerificationExpired = apperror.New(apperror.KindValidation, "verification_expired", "verification link has expired")
	ErrResendLimited       = apperror.New(apperror.KindRateLimit, "resend_limited", "too many verification emails, try again later")
)

const (
	evTokenPrefix   = "ev:token:"
	evPendingPrefix = "ev:pending:"
	evSendsPrefix   = "ev:sends:"

	verificationTokenBytes = 32
)

var tokenFormat = regexp.MustCompile(`^[0-9a-f]{64}$`)

// VerificationConfig configures the verification service
type VerificationConfig struct {
	TTL           time.Duration
	MaxSends      int
	SendWindow    time.Duration
	SweepInterval time.Duration
	// LinkBaseURL is the frontend page that submits the token
	LinkBaseURL string
	Now         func() time.Time
}

// VerificationResult identifies the account a token belonged to
type VerificationResult struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// ResendResult is a soft outcome: throttling is reported, not raised
type ResendResult struct {
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// VerificationRequested is the event handed to the email sender
type VerificationRequested struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expires_at"`
}

type verificationRecord struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerificationService issues single use email verification tokens
type VerificationService struct {
	store    store.Store
	notifier notify.Publisher
	cfg      VerificationConfig
}

// NewVerificationService creates the service; zero config values take defaults
func NewVerificationService(s store.Store, notifier notify.Publisher, cfg VerificationConfig) *VerificationService {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxSends <= 0 {
		cfg.MaxSends = 3
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &VerificationService{store: s, notifier: notifier, cfg: cfg}
}

// retention keeps records past expiry long enough to report them as expired
func (s *VerificationService) retention() time.Duration {
	return s.cfg.TTL + s.cfg.SweepInterval
}

// GenerateVerificationToken issues a token for userID. Issuing counts
// against the per-user send window.
func (s *VerificationService) GenerateVerificationToken(ctx context.Context, userID, email string) (string, error) {
	token, _, err := s.issue(ctx, userID, email)
	return token, err
}

func (s *VerificationService) issue(ctx context.Context, userID, email string) (string, time.Time, error) {
	now := s.cfg.Now()

	window, err := s.store.AddToWindow(ctx, evSendsPrefix+userID, now, s.cfg.SendWindow, s.cfg.MaxSends)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("verification throttle: %w", err)
	}
	if !window.Accepted {
		limited := *ErrResendLimited
		limited.RetryAfter = window.RetryAfter(now, s.cfg.SendWindow)
		return "", time.Time{}, &limited
	}

	buf := make([]byte, verificationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate verification token: %w", err)
	}
	token := hex.EncodeToString(buf)

	rec := verificationRecord{UserID: userID, Email: email, CreatedAt: now, ExpiresAt: now.Add(s.cfg.TTL)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.Set(ctx, evTokenPrefix+token, string(raw), s.retention()); err != nil {
		return "", time.Time{}, fmt.Errorf("store verification token: %w", err)
	}
	if err := s.store.AddToSet(ctx, evPendingPrefix+userID, token, s.retention()); err != nil {
		return "", time.Time{}, fmt.Errorf("index verification token: %w", err)
	}
	return token, rec.ExpiresAt, nil
}

// VerifyToken consumes token. It succeeds at most once per token.
func (s *VerificationService) VerifyToken(ctx context.Context, token string) (*VerificationResult, error) {
	if !tokenFormat.MatchString(token) {
		return nil, ErrVerificationInvalid
	}

	raw, err := s.store.GetDelete(ctx, evTokenPrefix+token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVerificationInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consume verification token: %w", err)
	}

	var rec verificationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, ErrVerificationInvalid
	}

	if s.cfg.Now().After(rec.ExpiresAt) {
		_ = s.store.RemoveFromSet(ctx, evPendingPrefix+rec.UserID, token)
		return nil, ErrVerificationExpired
	}

	// the account is verified; the remaining links are moot
	if err := s.discardPending(ctx, rec.UserID); err != nil {
		logger.Warn("failed to discard pending verification tokens", logger.LogContext{UserID: rec.UserID})
	}

	return &VerificationResult{UserID: rec.UserID, Email: rec.Email}, nil
}

func (s *VerificationService) discardPending(ctx context.Context, userID string) error {
	tokens, err := s.store.SetMembers(ctx, evPendingPrefix+userID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, evTokenPrefix+t)
	}
	keys = append(keys, evPendingPrefix+userID)
	_, err = s.store.Delete(ctx, keys...)
	return err
}

// HasPendingVerification reports whether userID holds an unexpired token.
// Expired or consumed entries are pruned on the way.
func (s *VerificationService) HasPendingVerification(ctx context.Context, userID string) (bool, error) {
	tokens, err := s.store.SetMembers(ctx, evPendingPrefix+userID)
	if err != nil {
		return false, fmt.Errorf("list pending verifications: %w", err)
	}

	now := s.cfg.Now()
	pending := false
	var stale []string
	for _, token := range tokens {
		rec, err := s.lookup(ctx, token)
		if err != nil {
			return false, err
		}
		if rec == nil || now.After(rec.ExpiresAt) {
			stale = append(stale, token)
			continue
		}
		pending = true
	}

	if len(stale) > 0 {
		if err := s.store.RemoveFromSet(ctx, evPendingPrefix+userID, stale...); err != nil {
			return pending, fmt.Errorf("prune pending verifications: %w", err)
		}
	}
	return pending, nil
}

func (s *VerificationService) lookup(ctx context.Context, token string) (*verificationRecord, error) {
	raw, err := s.store.Get(ctx, evTokenPrefix+token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read verification token: %w", err)
	}
	var rec verificationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// ResendVerification issues a fresh token and hands it to the email sender.
// At most MaxSends tokens are issued per user in any SendWindow; beyond that
// the result reports failure instead of returning an error.
func (s *VerificationService) ResendVerification(ctx context.Context, userID, email string) (*ResendResult, error) {
	token, expiresAt, err := s.issue(ctx, userID, email)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) && appErr.Code == ErrResendLimited.Code {
			logger.Security("verification_resend_limited", logger.SeverityLow, logger.LogContext{UserID: userID})
			return &ResendResult{Success: false, Error: ErrResendLimited.Message, RetryAfter: appErr.RetryAfter}, nil
		}
		return nil, err
	}

	event := VerificationRequested{
		UserID:    userID,
		Email:     email,
		Link:      s.cfg.LinkBaseURL + "?token=" + token,
		ExpiresAt: expiresAt,
	}
	if err := s.notifier.Publish(ctx, notify.SubjectVerificationRequested, uuid.NewString(), event); err != nil {
		return nil, fmt.Errorf("publish verification email: %w", err)
	}
	return &ResendResult{Success: true}, nil
}

// Sweep deletes expired tokens and returns how many were removed
func (s *VerificationService) Sweep(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, evTokenPrefix)
	if err != nil {
		return 0, fmt.Errorf("list verification tokens: %w", err)
	}

	now := s.cfg.Now()
	removed := 0
	for _, key := range keys {
		token := key[len(evTokenPrefix):]
		rec, err := s.lookup(ctx, token)
		if err != nil {
			return removed, err
		}
		if rec != nil && !now.After(rec.ExpiresAt) {
			continue
		}
		n, err := s.store.Delete(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("delete verification token: %w", err)
		}
		removed += int(n)
		if rec != nil {
			_ = s.store.RemoveFromSet(ctx, evPendingPrefix+rec.UserID, token)
		}
	}
	return removed, nil
}

// Run sweeps every SweepInterval until ctx is cancelled
func (s *VerificationService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Error("verification sweep failed", err)
				continue
			}
			if n > 0 {
				logger.Debug(fmt.Sprintf("verification sweep removed %d expired tokens", n))
			}
		}
	}
}
