package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/middle"
	"github.com/mstgnz/pawguard/infra/ratelimit"
	"github.com/mstgnz/pawguard/infra/response"
)

// LoginEndpoint is the protection key of the login route. A successful
// login clears the caller's bucket.
const LoginEndpoint = "login"

// RefreshTokenRequest carries a refresh token for rotation or logout
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=4096"`
}

// VerifyEmailRequest carries the token from the verification link
type VerifyEmailRequest struct {
	Token string `json:"token" validate:"required,len=64,hexadecimal"`
}

// ResendVerificationRequest asks for a new verification email
type ResendVerificationRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// AuthHandler serves registration, login, token rotation and email
// verification
type AuthHandler struct {
	users         *auth.UserService
	tokens        *auth.TokenService
	verifications *auth.VerificationService
	protector     *middle.Protector
	limiter       *ratelimit.Limiter
	resendRule    ratelimit.Rule
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(users *auth.UserService, tokens *auth.TokenService, verifications *auth.VerificationService, protector *middle.Protector, limiter *ratelimit.Limiter, policy *config.Policy) *AuthHandler {
	return &AuthHandler{
		users:         users,
		tokens:        tokens,
		verifications: verifications,
		protector:     protector,
		limiter:       limiter,
		resendRule:    ratelimit.RuleFromProfile(policy.Profile(config.ProfileResendVerification)),
	}
}

// Register creates a customer account and sends the first verification email
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, err)
		return
	}

	user, err := h.users.Register(r.Context(), req)
	if err != nil {
		response.FromError(w, err)
		return
	}

	res, err := h.verifications.ResendVerification(r.Context(), user.ID, user.Email)
	if err != nil || !res.Success {
		// the account exists; the user can ask for another link
		logger.Error("failed to send verification email", err, logger.LogContext{UserID: user.ID})
	}

	response.Success(w, http.StatusCreated, "Registration successful, check your email", user)
}

// Login exchanges credentials for a token pair. Unknown email and wrong
// password are indistinguishable to the caller.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, err)
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			logger.Security("login_failed", logger.SeverityLow, logger.LogContext{IP: middle.GetClientIP(r)})
		}
		response.FromError(w, err)
		return
	}

	pair, err := h.tokens.GenerateTokenPair(r.Context(), user.ID, user.Role)
	if err != nil {
		response.FromError(w, err)
		return
	}
	h.protector.ResetLimit(r, LoginEndpoint)

	response.Success(w, http.StatusOK, "Login successful", pair)
}

// Refresh rotates a refresh token. The presented token cannot be used again.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, err)
		return
	}

	pair, err := h.tokens.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Token refreshed", pair)
}

// Logout revokes one refresh token of the authenticated user
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middle.ClaimsFromContext(r.Context())
	if !ok {
		response.FromError(w, auth.ErrTokenInvalid)
		return
	}

	var req RefreshTokenRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, err)
		return
	}

	owner, err := h.tokens.ExtractUserID(req.RefreshToken)
	if err != nil || owner != claims.UserID {
		response.FromError(w, apperror.New(apperror.KindAuthorization, "forbidden", "token belongs to another user"))
		return
	}

	if _, err := h.tokens.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Logged out", nil)
}

// LogoutAll revokes every refresh token of the authenticated user
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := middle.ClaimsFromContext(r.Context())
	if !ok {
		response.FromError(w, auth.ErrTokenInvalid)
		return
	}

	revoked, err := h.tokens.RevokeAllUserTokens(r.Context(), claims.UserID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Logged out everywhere", map[string]int{"revoked": revoked})
}

// VerifyEmail consumes a verification token
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, auth.ErrVerificationInvalid)
		return
	}

	res, err := h.verifications.VerifyToken(r.Context(), req.Token)
	if err != nil {
		response.FromError(w, err)
		return
	}

	if err := h.users.MarkEmailVerified(r.Context(), res.UserID); err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Email verified", map[string]bool{"valid": true})
}

// ResendVerification sends a new verification link. The answer is the same
// for unknown, verified and pending addresses; the throttle is keyed by the
// address so probing an unknown one is limited like a real one.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if err := decodeAndValidate(r, &req); err != nil {
		response.FromError(w, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	limit, err := h.limiter.Check(r.Context(), "resend_verification:"+emailHash(email), h.resendRule)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if limit.Limited {
		response.FromError(w, apperror.RateLimited(limit.ResetIn))
		return
	}

	accepted := func() {
		response.Success(w, http.StatusAccepted, "If the address belongs to an unverified account, a new link has been sent", nil)
	}

	user, err := h.users.GetByEmail(r.Context(), email)
	if errors.Is(err, auth.ErrUserNotFound) || (err == nil && user.EmailVerified) {
		accepted()
		return
	}
	if err != nil {
		response.FromError(w, err)
		return
	}

	res, err := h.verifications.ResendVerification(r.Context(), user.ID, user.Email)
	if err != nil {
		response.FromError(w, err)
		return
	}
	if !res.Success {
		// the answer must match the one for unknown addresses
		logger.Security("verification_resend_throttled", logger.SeverityLow, logger.LogContext{
			UserID: user.ID,
			IP:     middle.GetClientIP(r),
		})
	}
	accepted()
}

func emailHash(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:16])
}
