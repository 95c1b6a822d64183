package waf

import (
	"regexp"
	"strings"
)

// AttackType classifies a pattern match
type AttackType string

const (
	AttackSQLInjection       AttackType = "sql_injection"
	AttackXSS                AttackType = "xss"
	AttackPathTraversal      AttackType = "path_traversal"
	AttackCommandInjection   AttackType = "command_injection"
	AttackNoSQLInjection     AttackType = "nosql_injection"
	AttackLDAPInjection      AttackType = "ldap_injection"
	AttackMaliciousUserAgent AttackType = "malicious_user_agent"
)

type signature struct {
	attack   AttackType
	patterns []*regexp.Regexp
}

// signatures are evaluated in order; the first hit names the attack
var signatures = []signature{
	{
		attack: AttackSQLInjection,
		patterns: compile(
			`(?i)'\s*(or|and)\s`,
			`(?i)\b(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`,
			`(?i)\bunion\b(\s+all)?\s+select\b`,
			`(?i)'\s*(--|#|/\*)`,
			`(?i);\s*(drop|delete|insert|update|truncate|alter)\s`,
			`(?i)\b(sleep|benchmark|pg_sleep)\s*\(`,
			`(?i)\bwaitfor\s+delay\b`,
		),
	},
	{
		attack: AttackXSS,
		patterns: compile(
			`(?i)<\s*script`,
			`(?i)javascript\s*:`,
			`(?i)\bon(error|load|click|mouseover|mouseout|focus|blur|submit|change|input|keyup|keydown|toggle|animationstart)\s*=`,
			`(?i)document\.(cookie|location|write)`,
			`(?i)<\s*(iframe|object|embed|svg|img)[^>]*>`,
		),
	},
	{
		attack: AttackPathTraversal,
		patterns: compile(
			`\.\./`,
			`\.\.\\`,
			`(?i)%2e%2e(%2f|%5c|/|\\)`,
			`(?i)/etc/(passwd|shadow|hosts)`,
			`(?i)c:\\windows`,
		),
	},
	{
		attack: AttackCommandInjection,
		patterns: compile(
			// a shell command needs a flag, a path or a URL after it, so
			// "dog; cat friendly" stays clean
			"(?i)(;|\\||&&|\\$\\(|`)\\s*(rm|cat|ls|wget|curl|nc|bash|sh|chmod|id|ping|python|perl)\\s+(-|/|~|\\.{1,2}/|\\$|https?://)",
			"(?i)(;|\\||&&|\\$\\(|`)\\s*(whoami|uname|id)\\s*($|[;|&)`])",
		),
	},
	{
		attack: AttackNoSQLInjection,
		patterns: compile(
			`\$(ne|gt|gte|lt|lte|in|nin|regex|where|exists|or|and|not|expr)\b`,
		),
	},
	{
		attack: AttackLDAPInjection,
		patterns: compile(
			`\)\s*\(\s*[|&!]`,
			`\(\s*[|&]\s*\(`,
			`\*\)\s*\(`,
		),
	},
}

var maliciousAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "acunetix", "nessus", "havij",
	"w3af", "dirbuster", "gobuster", "wpscan", "zgrab", "hydra", "nuclei",
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Classify returns the attack type of the first signature matching s
func Classify(s string) (AttackType, bool) {
	if s == "" {
		return "", false
	}
	for _, sig := range signatures {
		for _, p := range sig.patterns {
			if p.MatchString(s) {
				return sig.attack, true
			}
		}
	}
	return "", false
}

func isMaliciousAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, bad := range maliciousAgents {
		if strings.Contains(ua, bad) {
			return true
		}
	}
	return false
}
