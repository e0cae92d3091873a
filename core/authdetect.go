package core

import (
	"strings"
)

// authRule is one signal that a visitor session reached an authenticated
// state. Rules only ever answer "yes" for the request they see; the session
// flag itself is monotonic.
type authRule interface {
	Matches(t *Target, s *Session, req_path string) bool
}

// urlMatchRule fires when the upstream request path contains one of the
// target's configured post-login URL markers.
type urlMatchRule struct{}

func (urlMatchRule) Matches(t *Target, s *Session, req_path string) bool {
	for _, u := range t.AuthUrls {
		if u != "" && strings.Contains(req_path, u) {
			return true
		}
	}
	return false
}

// tokenCookieRule fires when the session jar holds a cookie named like one
// of the target's auth tokens, and records it into the session token map.
type tokenCookieRule struct{}

func (tokenCookieRule) Matches(t *Target, s *Session, req_path string) bool {
	if len(t.AuthTokens) == 0 {
		return false
	}
	matched := false
	for name, value := range s.CookiesCopy() {
		for _, tk := range t.AuthTokens {
			if tk != "" && strings.EqualFold(name, tk) {
				s.SetToken(name, value)
				matched = true
			}
		}
	}
	return matched
}

// credentialHeuristicRule fires when a password-looking credential was
// captured and the session has accumulated more than two cookies, which
// covers targets configured without auth_urls or auth_tokens.
type credentialHeuristicRule struct{}

func (credentialHeuristicRule) Matches(t *Target, s *Session, req_path string) bool {
	if s.CookieCount() <= 2 {
		return false
	}
	for name := range s.CredentialsCopy() {
		lname := strings.ToLower(name)
		if strings.Contains(lname, "pass") || strings.Contains(lname, "pwd") {
			return true
		}
	}
	return false
}

type AuthDetector struct {
	rules []authRule
}

func NewAuthDetector() *AuthDetector {
	return &AuthDetector{
		rules: []authRule{
			urlMatchRule{},
			tokenCookieRule{},
			credentialHeuristicRule{},
		},
	}
}

// IsAuthenticated evaluates the rule chain first-to-true. An already
// authenticated session short-circuits; the answer never downgrades.
func (d *AuthDetector) IsAuthenticated(t *Target, s *Session, req_path string) bool {
	if s.IsAuthenticated() {
		return true
	}
	for _, r := range d.rules {
		if r.Matches(t, s, req_path) {
			return true
		}
	}
	return false
}
