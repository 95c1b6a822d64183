package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/metrics"
	"github.com/mstgnz/pawguard/infra/store"
)

var (
	ErrTokenExpired = apperror.New(apperror.KindAuth, "token_expired", "token has expired")
	ErrTokenRevoked = apperror.New(apperror.KindAuth, "token_revoked", "token has been revoked")
	ErrTokenInvalid = apperror.New(apperror.KindAuth, "token_invalid", "token is invalid")
)

const (
	issuedPrefix  = "rt:issued:"
	revokedPrefix = "rt:revoked:"
	userPrefix    = "rt:user:"
)

// TokenType distinguishes access from refresh tokens
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// AccessClaims are the claims carried by both token types. Refresh tokens
// additionally carry a jti in RegisteredClaims.ID.
type AccessClaims struct {
	UserID string    `json:"uid"`
	Role   string    `json:"role"`
	Type   TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is returned on login and refresh
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
}

// TokenConfig configures the token service
type TokenConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Now        func() time.Time
}

// TokenService issues access/refresh pairs and keeps the refresh token
// registry. Access tokens are stateless; refresh tokens are single use and
// rotate on every refresh.
type TokenService struct {
	store      store.Store
	secretKey  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// NewTokenService validates cfg and refuses to start without a strong secret
func NewTokenService(s store.Store, cfg TokenConfig) (*TokenService, error) {
	if err := config.ValidateSecret(cfg.Secret); err != nil {
		return nil, err
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "pawguard"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &TokenService{
		store:      s,
		secretKey:  []byte(cfg.Secret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		now:        cfg.Now,
	}, nil
}

// GenerateTokenPair signs a new pair and registers the refresh token
func (s *TokenService) GenerateTokenPair(ctx context.Context, userID, role string) (*TokenPair, error) {
	if userID == "" {
		return nil, apperror.New(apperror.KindValidation, "missing_user", "user id is required")
	}
	now := s.now()

	access, err := s.sign(AccessClaims{
		UserID: userID,
		Role:   role,
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	jti := uuid.NewString()
	refresh, err := s.sign(AccessClaims{
		UserID: userID,
		Role:   role,
		Type:   TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Set(ctx, issuedPrefix+jti, userID, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("register refresh token: %w", err)
	}
	if err := s.store.AddToSet(ctx, userPrefix+userID, jti, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("index refresh token: %w", err)
	}

	metrics.TokenOperationsTotal.WithLabelValues("issue", "ok").Inc()
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		RefreshExpiresIn: int64(s.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (s *TokenService) sign(claims AccessClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken checks signature, expiry and type. It does not
// consult the revocation registry.
func (s *TokenService) ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	claims, err := s.parse(tokenString, TokenTypeAccess, true)
	if err != nil {
		metrics.TokenOperationsTotal.WithLabelValues("validate", resultLabel(err)).Inc()
		return nil, err
	}
	return claims, nil
}

func (s *TokenService) parse(tokenString string, want TokenType, validateClaims bool) (*AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	}
	if validateClaims {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.Type != want || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	if want == TokenTypeRefresh && claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// RefreshAccessToken exchanges a refresh token for a new pair. The presented
// token is consumed: a second use fails with ErrTokenRevoked. Of two
// concurrent refreshes with the same token exactly one succeeds.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken, TokenTypeRefresh, true)
	if err != nil {
		metrics.TokenOperationsTotal.WithLabelValues("refresh", resultLabel(err)).Inc()
		return nil, err
	}

	revoked, err := s.isRevoked(ctx, claims)
	if err != nil {
		return nil, err
	}
	if !revoked {
		consumed, err := s.store.SetNX(ctx, revokedPrefix+claims.ID, "rotated", s.markerTTL(claims))
		if err != nil {
			return nil, fmt.Errorf("consume refresh token: %w", err)
		}
		revoked = !consumed
	}
	if revoked {
		s.reportRevokedUse(claims)
		return nil, ErrTokenRevoked
	}

	if err := s.store.RemoveFromSet(ctx, userPrefix+claims.UserID, claims.ID); err != nil {
		logger.Warn("failed to unindex rotated refresh token", logger.LogContext{UserID: claims.UserID})
	}

	pair, err := s.GenerateTokenPair(ctx, claims.UserID, claims.Role)
	if err != nil {
		return nil, err
	}
	metrics.TokenOperationsTotal.WithLabelValues("refresh", "ok").Inc()
	return pair, nil
}

func (s *TokenService) isRevoked(ctx context.Context, claims *AccessClaims) (bool, error) {
	_, err := s.store.Get(ctx, revokedPrefix+claims.ID)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("revocation lookup: %w", err)
	}

	owner, err := s.store.Get(ctx, issuedPrefix+claims.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// unknown to the registry, e.g. issued before a restart
		return true, nil
	case err != nil:
		return false, fmt.Errorf("registry lookup: %w", err)
	}
	return owner != claims.UserID, nil
}

func (s *TokenService) reportRevokedUse(claims *AccessClaims) {
	metrics.TokenOperationsTotal.WithLabelValues("refresh", "revoked").Inc()
	logger.Security("revoked_token_use", logger.SeverityHigh, logger.LogContext{
		UserID: claims.UserID,
		Fields: map[string]any{"jti": claims.ID},
	})
}

// markerTTL keeps the revocation marker until the token would expire anyway
func (s *TokenService) markerTTL(claims *AccessClaims) time.Duration {
	if claims.ExpiresAt == nil {
		return s.refreshTTL
	}
	if d := claims.ExpiresAt.Sub(s.now()); d > time.Minute {
		return d
	}
	return time.Minute
}

// RevokeRefreshToken revokes a single refresh token. It reports whether the
// token was newly revoked; expired tokens are accepted and ignored.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	claims, err := s.parse(refreshToken, TokenTypeRefresh, false)
	if err != nil {
		return false, err
	}
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return false, nil
	}

	added, err := s.store.SetNX(ctx, revokedPrefix+claims.ID, "logout", s.markerTTL(claims))
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	if err := s.store.RemoveFromSet(ctx, userPrefix+claims.UserID, claims.ID); err != nil {
		return added, fmt.Errorf("unindex refresh token: %w", err)
	}
	if added {
		metrics.TokenOperationsTotal.WithLabelValues("revoke", "ok").Inc()
	}
	return added, nil
}

// RevokeAllUserTokens revokes every outstanding refresh token of userID and
// returns how many were newly revoked
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID string) (int, error) {
	jtis, err := s.store.SetMembers(ctx, userPrefix+userID)
	if err != nil {
		return 0, fmt.Errorf("list refresh tokens: %w", err)
	}

	count := 0
	for _, jti := range jtis {
		added, err := s.store.SetNX(ctx, revokedPrefix+jti, "revoke_all", s.refreshTTL)
		if err != nil {
			return count, fmt.Errorf("revoke refresh token: %w", err)
		}
		if added {
			count++
		}
	}
	if _, err := s.store.Delete(ctx, userPrefix+userID); err != nil {
		return count, fmt.Errorf("clear refresh index: %w", err)
	}

	metrics.TokenOperationsTotal.WithLabelValues("revoke_all", "ok").Inc()
	logger.Security("refresh_tokens_revoked", logger.SeverityLow, logger.LogContext{
		UserID: userID,
		Fields: map[string]any{"count": count},
	})
	return count, nil
}

// ExtractUserID reads the uid claim without verifying the signature.
// Only for log context, never for authorization.
func (s *TokenService) ExtractUserID(tokenString string) (string, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", ErrTokenInvalid
	}
	if claims.UserID == "" {
		return "", ErrTokenInvalid
	}
	return claims.UserID, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	default:
		return "invalid"
	}
}
