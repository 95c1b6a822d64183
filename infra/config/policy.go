package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Rate limit profile names used by the HTTP layer
const (
	ProfileLogin              = "login"
	ProfileRegister           = "register"
	ProfileTokenRefresh       = "token_refresh"
	ProfileLogout             = "logout"
	ProfileVerifyEmail        = "verify_email"
	ProfileResendVerification = "resend_verification"
	ProfileResendPerIP        = "resend_verification_ip"
	ProfilePaymentCreate      = "payment_create"
	ProfilePaymentStatus      = "payment_status"
	ProfileWAFAdmin           = "waf_admin"
	ProfileAPIGeneral         = "api_general"
)

// RateLimitProfile is a named fixed-window rule
type RateLimitProfile struct {
	Name        string
	MaxRequests int
	Window      time.Duration
	Description string
}

// WAFPolicy holds the firewall thresholds
type WAFPolicy struct {
	AutoBlockThreshold int
	CounterTTL         time.Duration
	AttackLogCapacity  int
	AttackLogMaxAge    time.Duration
	MaxInspectBytes    int64
}

// Policy groups all rate limit profiles and the WAF policy
type Policy struct {
	profiles map[string]RateLimitProfile
	WAF      WAFPolicy
}

func defaultProfiles() map[string]RateLimitProfile {
	return map[string]RateLimitProfile{
		ProfileLogin:              {Name: ProfileLogin, MaxRequests: 5, Window: 15 * time.Minute, Description: "Login attempts per IP"},
		ProfileRegister:           {Name: ProfileRegister, MaxRequests: 5, Window: time.Hour, Description: "Account registrations per IP"},
		ProfileTokenRefresh:       {Name: ProfileTokenRefresh, MaxRequests: 20, Window: 15 * time.Minute, Description: "Token refreshes per IP"},
		ProfileLogout:             {Name: ProfileLogout, MaxRequests: 30, Window: 15 * time.Minute, Description: "Logout calls per IP"},
		ProfileVerifyEmail:        {Name: ProfileVerifyEmail, MaxRequests: 10, Window: 15 * time.Minute, Description: "Verification attempts per IP"},
		ProfileResendVerification: {Name: ProfileResendVerification, MaxRequests: 3, Window: time.Hour, Description: "Verification resends per address"},
		ProfileResendPerIP:        {Name: ProfileResendPerIP, MaxRequests: 10, Window: time.Hour, Description: "Verification resends per IP"},
		ProfilePaymentCreate:      {Name: ProfilePaymentCreate, MaxRequests: 10, Window: 10 * time.Minute, Description: "Checkout sessions per IP"},
		ProfilePaymentStatus:      {Name: ProfilePaymentStatus, MaxRequests: 60, Window: time.Minute, Description: "Status polls per IP"},
		ProfileWAFAdmin:           {Name: ProfileWAFAdmin, MaxRequests: 60, Window: time.Minute, Description: "Admin calls per IP"},
		ProfileAPIGeneral:         {Name: ProfileAPIGeneral, MaxRequests: 100, Window: time.Minute, Description: "Default API budget per IP"},
	}
}

// DefaultPolicy returns the built-in profiles without environment overrides
func DefaultPolicy() *Policy {
	return &Policy{
		profiles: defaultProfiles(),
		WAF: WAFPolicy{
			AutoBlockThreshold: 10,
			CounterTTL:         24 * time.Hour,
			AttackLogCapacity:  1000,
			AttackLogMaxAge:    24 * time.Hour,
			MaxInspectBytes:    1 << 20,
		},
	}
}

// LoadPolicy returns the default policy with RATE_LIMIT_<NAME> and WAF_* overrides applied
func LoadPolicy() (*Policy, error) {
	p := DefaultPolicy()

	for name, profile := range p.profiles {
		raw := os.Getenv("RATE_LIMIT_" + strings.ToUpper(name))
		if raw == "" {
			continue
		}
		maxRequests, window, err := ParseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("config: RATE_LIMIT_%s: %w", strings.ToUpper(name), err)
		}
		profile.MaxRequests = maxRequests
		profile.Window = window
		p.profiles[name] = profile
	}

	p.WAF.AutoBlockThreshold = GetIntEnv("WAF_AUTO_BLOCK_THRESHOLD", p.WAF.AutoBlockThreshold)
	p.WAF.CounterTTL = GetDurationEnv("WAF_COUNTER_TTL", p.WAF.CounterTTL)
	p.WAF.AttackLogCapacity = GetIntEnv("WAF_ATTACK_LOG_CAPACITY", p.WAF.AttackLogCapacity)
	p.WAF.AttackLogMaxAge = GetDurationEnv("WAF_ATTACK_LOG_MAX_AGE", p.WAF.AttackLogMaxAge)
	p.WAF.MaxInspectBytes = int64(GetIntEnv("WAF_MAX_INSPECT_BYTES", int(p.WAF.MaxInspectBytes)))

	if p.WAF.AutoBlockThreshold < 1 {
		return nil, fmt.Errorf("config: WAF_AUTO_BLOCK_THRESHOLD must be positive")
	}
	if p.WAF.AttackLogCapacity < 1 {
		return nil, fmt.Errorf("config: WAF_ATTACK_LOG_CAPACITY must be positive")
	}

	return p, nil
}

// ParseRule parses "<max>/<duration>", e.g. "5/15m"
func ParseRule(raw string) (int, time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected <max>/<duration>, got %q", raw)
	}
	maxRequests, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || maxRequests < 1 {
		return 0, 0, fmt.Errorf("invalid max requests %q", parts[0])
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return 0, 0, fmt.Errorf("invalid window %q", parts[1])
	}
	return maxRequests, window, nil
}

// Profile returns the named profile. Unknown names fall back to api_general.
func (p *Policy) Profile(name string) RateLimitProfile {
	if profile, ok := p.profiles[name]; ok {
		return profile
	}
	return p.profiles[ProfileAPIGeneral]
}

// Profiles returns a copy of every configured profile
func (p *Policy) Profiles() map[string]RateLimitProfile {
	out := make(map[string]RateLimitProfile, len(p.profiles))
	for name, profile := range p.profiles {
		out[name] = profile
	}
	return out
}
