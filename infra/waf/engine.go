// Package waf is a pattern based request firewall with an IP blocklist.
//
// Inspect checks the blocklist before scanning, so a blocked address is
// rejected without paying for the regular expressions. Every match is
// recorded, counted per IP and, once the count reaches the policy
// threshold, the address is blocked automatically.
package waf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/metrics"
	"github.com/mstgnz/pawguard/infra/store"
	"github.com/mstgnz/pawguard/infra/validate"
)

const (
	blockedPrefix = "waf:blocked:"
	counterPrefix = "waf:attacks:"
	totalKey      = "waf:total"

	snippetLength  = 120
	topAttackersN  = 10
	recentAttacksN = 20
)

// ErrInvalidIP is returned by the admin operations for anything but a
// dotted-quad IPv4 address
var ErrInvalidIP = apperror.New(apperror.KindValidation, "invalid_ip", "ip must be a dotted-quad IPv4 address")

// Request is the part of an HTTP request the engine looks at
type Request struct {
	IP          string
	Method      string
	Path        string
	RawQuery    string
	UserAgent   string
	Body        []byte
	ContentType string
}

// Verdict is the result of Inspect
type Verdict struct {
	Blocked    bool
	Reason     string
	AttackType AttackType
}

// BlockedIP is a blocklist entry
type BlockedIP struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	Auto      bool      `json:"auto"`
}

// AttackStats summarises detected attacks
type AttackStats struct {
	TotalAttacks    int64              `json:"total_attacks"`
	ByType          map[AttackType]int `json:"by_type"`
	TopAttackers    []AttackerCount    `json:"top_attackers"`
	RecentAttacks   []AttackRecord     `json:"recent_attacks"`
	BlockedIPCount  int                `json:"blocked_ip_count"`
	RetainedRecords int                `json:"retained_records"`
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine inspects requests and manages the blocklist
type Engine struct {
	store  store.Store
	policy config.WAFPolicy
	log    *attackLog
	now    func() time.Time
}

// New creates an engine backed by s
func New(s store.Store, policy config.WAFPolicy, opts ...Option) *Engine {
	if policy.AutoBlockThreshold < 1 {
		policy.AutoBlockThreshold = 10
	}
	if policy.MaxInspectBytes <= 0 {
		policy.MaxInspectBytes = 1 << 20
	}

	e := &Engine{
		store:  s,
		policy: policy,
		log:    newAttackLog(policy.AttackLogCapacity, policy.AttackLogMaxAge),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Inspect decides whether req is allowed. Blocklisted addresses are denied
// first, then the request parts are scanned against the signatures.
func (e *Engine) Inspect(ctx context.Context, req Request) (Verdict, error) {
	blocked, err := e.IsBlocked(ctx, req.IP)
	if err != nil {
		return Verdict{}, err
	}
	if blocked {
		metrics.WAFBlockedTotal.WithLabelValues("blocklisted").Inc()
		return Verdict{Blocked: true, Reason: "ip is blocklisted"}, nil
	}

	attack, part, payload, found := e.scan(req)
	if !found {
		return Verdict{}, nil
	}

	if err := e.recordAttack(ctx, req, attack, payload); err != nil {
		return Verdict{}, err
	}
	metrics.WAFBlockedTotal.WithLabelValues(string(attack)).Inc()

	return Verdict{
		Blocked:    true,
		Reason:     fmt.Sprintf("%s detected in %s", attack, part),
		AttackType: attack,
	}, nil
}

func (e *Engine) scan(req Request) (AttackType, string, string, bool) {
	for _, candidate := range decodeRounds(req.Path) {
		if t, ok := Classify(candidate); ok {
			return t, "path", candidate, true
		}
	}

	for _, candidate := range queryCandidates(req.RawQuery) {
		if t, ok := Classify(candidate); ok {
			return t, "query", candidate, true
		}
	}

	body := req.Body
	if int64(len(body)) > e.policy.MaxInspectBytes {
		body = body[:e.policy.MaxInspectBytes]
	}
	if t, payload, ok := scanBody(body, req.ContentType); ok {
		return t, "body", payload, true
	}

	if isMaliciousAgent(req.UserAgent) {
		return AttackMaliciousUserAgent, "user-agent", req.UserAgent, true
	}
	return "", "", "", false
}

// decodeRounds returns s and up to two URL-decoded variants of it
func decodeRounds(s string) []string {
	out := []string{s}
	cur := s
	for i := 0; i < 2; i++ {
		next, err := url.QueryUnescape(cur)
		if err != nil || next == cur {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

// queryCandidates returns the whole query string and every key and value in
// it, each with its decoded variants. Pairs are split on both '&' and ';'
// because url.ParseQuery drops any pair holding a raw semicolon.
func queryCandidates(raw string) []string {
	if raw == "" {
		return nil
	}
	out := decodeRounds(raw)
	pairs := strings.FieldsFunc(raw, func(r rune) bool { return r == '&' || r == ';' })
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		out = append(out, decodeRounds(key)...)
		if value != "" {
			out = append(out, decodeRounds(value)...)
		}
	}
	return out
}

func scanBody(body []byte, contentType string) (AttackType, string, bool) {
	if len(body) == 0 {
		return "", "", false
	}

	switch {
	case strings.Contains(contentType, "application/json"):
		var doc any
		if err := json.Unmarshal(body, &doc); err == nil {
			return scanJSON(doc)
		}
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		for _, candidate := range queryCandidates(string(body)) {
			if t, ok := Classify(candidate); ok {
				return t, candidate, true
			}
		}
		return "", "", false
	}

	raw := string(body)
	if t, ok := Classify(raw); ok {
		return t, raw, true
	}
	return "", "", false
}

func scanJSON(v any) (AttackType, string, bool) {
	switch node := v.(type) {
	case string:
		if t, ok := Classify(node); ok {
			return t, node, true
		}
	case map[string]any:
		for k, child := range node {
			if t, ok := Classify(k); ok {
				return t, k, true
			}
			if t, s, ok := scanJSON(child); ok {
				return t, s, true
			}
		}
	case []any:
		for _, child := range node {
			if t, s, ok := scanJSON(child); ok {
				return t, s, true
			}
		}
	}
	return "", "", false
}

func (e *Engine) recordAttack(ctx context.Context, req Request, attack AttackType, payload string) error {
	now := e.now()
	e.log.add(AttackRecord{
		IP:             req.IP,
		AttackType:     attack,
		Timestamp:      now,
		Path:           req.Path,
		PayloadSnippet: snippet(payload),
	})

	if _, _, err := e.store.Increment(ctx, totalKey, 0); err != nil {
		return fmt.Errorf("waf: count attack: %w", err)
	}

	count, _, err := e.store.Increment(ctx, counterPrefix+req.IP, e.policy.CounterTTL)
	if err != nil {
		return fmt.Errorf("waf: count attack for %s: %w", req.IP, err)
	}

	logger.Security("waf_attack_detected", logger.SeverityMedium, logger.LogContext{
		IP: req.IP,
		Fields: map[string]any{
			"attack_type": string(attack),
			"method":      req.Method,
			"path":        req.Path,
			"payload":     snippet(payload),
			"count":       count,
		},
	})

	if count < int64(e.policy.AutoBlockThreshold) {
		return nil
	}

	added, err := e.block(ctx, BlockedIP{
		IP:        req.IP,
		Reason:    fmt.Sprintf("automatic: %d attacks", count),
		BlockedAt: now,
		Auto:      true,
	}, false)
	if err != nil {
		return err
	}
	if added {
		metrics.WAFAutoBlocksTotal.Inc()
		logger.Security("waf_ip_auto_blocked", logger.SeverityHigh, logger.LogContext{
			IP:     req.IP,
			Fields: map[string]any{"attacks": count, "threshold": e.policy.AutoBlockThreshold},
		})
	}
	return nil
}

func snippet(s string) string {
	if len(s) <= snippetLength {
		return s
	}
	return s[:snippetLength] + "..."
}

// BlockIP adds ip to the blocklist
func (e *Engine) BlockIP(ctx context.Context, ip, reason string) error {
	if !validate.IsStrictIPv4(ip) {
		return ErrInvalidIP
	}
	if reason == "" {
		reason = "manual"
	}
	if _, err := e.block(ctx, BlockedIP{IP: ip, Reason: reason, BlockedAt: e.now()}, true); err != nil {
		return err
	}
	logger.Security("waf_ip_blocked", logger.SeverityMedium, logger.LogContext{
		IP:     ip,
		Fields: map[string]any{"reason": reason},
	})
	return nil
}

// block stores entry. When overwrite is false an existing entry is kept and
// the returned bool reports whether a new one was written.
func (e *Engine) block(ctx context.Context, entry BlockedIP, overwrite bool) (bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	if overwrite {
		if err := e.store.Set(ctx, blockedPrefix+entry.IP, string(raw), 0); err != nil {
			return false, fmt.Errorf("waf: block %s: %w", entry.IP, err)
		}
		return true, nil
	}
	added, err := e.store.SetNX(ctx, blockedPrefix+entry.IP, string(raw), 0)
	if err != nil {
		return false, fmt.Errorf("waf: block %s: %w", entry.IP, err)
	}
	return added, nil
}

// UnblockIP removes ip from the blocklist and resets its attack counter
func (e *Engine) UnblockIP(ctx context.Context, ip string) error {
	if !validate.IsStrictIPv4(ip) {
		return ErrInvalidIP
	}
	if _, err := e.store.Delete(ctx, blockedPrefix+ip, counterPrefix+ip); err != nil {
		return fmt.Errorf("waf: unblock %s: %w", ip, err)
	}
	logger.Security("waf_ip_unblocked", logger.SeverityLow, logger.LogContext{IP: ip})
	return nil
}

// IsBlocked reports whether ip is on the blocklist
func (e *Engine) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	_, err := e.store.Get(ctx, blockedPrefix+ip)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("waf: blocklist lookup: %w", err)
	}
}

// GetBlockedIPs lists the blocklist, newest first
func (e *Engine) GetBlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	keys, err := e.store.Keys(ctx, blockedPrefix)
	if err != nil {
		return nil, fmt.Errorf("waf: list blocklist: %w", err)
	}

	out := make([]BlockedIP, 0, len(keys))
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("waf: read %s: %w", key, err)
		}
		var entry BlockedIP
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			entry = BlockedIP{IP: strings.TrimPrefix(key, blockedPrefix)}
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].BlockedAt.After(out[j].BlockedAt)
	})
	return out, nil
}

// GetAttackStats aggregates the retained attack records
func (e *Engine) GetAttackStats(ctx context.Context) (AttackStats, error) {
	var total int64
	raw, err := e.store.Get(ctx, totalKey)
	switch {
	case err == nil:
		total, _ = strconv.ParseInt(raw, 10, 64)
	case !errors.Is(err, store.ErrNotFound):
		return AttackStats{}, fmt.Errorf("waf: read total: %w", err)
	}

	blocked, err := e.GetBlockedIPs(ctx)
	if err != nil {
		return AttackStats{}, err
	}

	records := e.log.snapshot(e.now())
	byType := make(map[AttackType]int)
	for _, r := range records {
		byType[r.AttackType]++
	}

	recent := records
	if len(recent) > recentAttacksN {
		recent = recent[:recentAttacksN]
	}

	return AttackStats{
		TotalAttacks:    total,
		ByType:          byType,
		TopAttackers:    topAttackers(records, topAttackersN),
		RecentAttacks:   recent,
		BlockedIPCount:  len(blocked),
		RetainedRecords: len(records),
	}, nil
}
