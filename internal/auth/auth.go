// Package auth matches bearer tokens to the scopes that guard the
// read-only debug endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scope names one guarded surface.
type Scope string

const (
	ScopeAll      Scope = "*"
	ScopeLogsRead Scope = "logs:ro"
	ScopeMetrics  Scope = "metrics:ro"
)

// Known reports whether s is one of the scopes hookrelay checks.
func (s Scope) Known() bool {
	switch s {
	case ScopeAll, ScopeLogsRead, ScopeMetrics:
		return true
	}
	return false
}

// ErrNoBearer is returned when a request carries no usable bearer token.
var ErrNoBearer = errors.New("missing bearer token")

// TokenConfig is a bearer token with the scopes it grants.
type TokenConfig struct {
	Token  string  `yaml:"token"`
	Scopes []Scope `yaml:"scopes"`
}

// Grants reports whether the token carries scope, directly or through ScopeAll.
func (t TokenConfig) Grants(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Match returns the configured token equal to presented.
func Match(tokens []TokenConfig, presented string) (TokenConfig, bool) {
	if presented == "" {
		return TokenConfig{}, false
	}
	for _, t := range tokens {
		if len(t.Token) == len(presented) &&
			subtle.ConstantTimeCompare([]byte(t.Token), []byte(presented)) == 1 {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// BearerToken reads the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrNoBearer
	}
	return token, nil
}
