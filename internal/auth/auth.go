// Package auth guards the admin API with static bearer tokens. The
// service fronts internal ops tooling, not end users, so shared
// operator tokens compared in constant time are the whole story.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth validates Authorization: Bearer headers against the
// configured admin tokens.
type TokenAuth struct {
	tokens []string
}

// NewTokenAuth creates a token authenticator. No tokens disables auth
// entirely (local development).
func NewTokenAuth(tokens []string) *TokenAuth {
	valid := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			valid = append(valid, t)
		}
	}
	return &TokenAuth{tokens: valid}
}

// Enabled reports whether any token is configured.
func (a *TokenAuth) Enabled() bool { return len(a.tokens) > 0 }

// IsAuthenticated checks the request's bearer token.
func (a *TokenAuth) IsAuthenticated(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := []byte(strings.TrimPrefix(header, prefix))

	ok := false
	for _, t := range a.tokens {
		// Compare against every token so timing doesn't reveal which
		// one matched.
		if subtle.ConstantTimeCompare(presented, []byte(t)) == 1 {
			ok = true
		}
	}
	return ok
}

// Middleware rejects unauthenticated requests with 401.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsAuthenticated(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
