package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenRegistry is the in-memory bearer-token collaborator behind the
// access gate. Tokens are opaque random strings with a fixed TTL;
// expired entries are swept lazily on every access.
type tokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
	ttl    time.Duration
	now    func() time.Time // swappable for tests
}

func newTokenRegistry(ttl time.Duration) *tokenRegistry {
	return &tokenRegistry{
		tokens: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue mints a new token and registers it with the configured TTL.
func (tr *tokenRegistry) Issue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sweepLocked()
	tr.tokens[token] = tr.now().Add(tr.ttl)
	return token, nil
}

// Verify reports whether token is known and unexpired.
func (tr *tokenRegistry) Verify(token string) bool {
	if token == "" {
		return false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sweepLocked()
	exp, ok := tr.tokens[token]
	if !ok {
		return false
	}
	if !exp.After(tr.now()) {
		delete(tr.tokens, token)
		return false
	}
	return true
}

// Revoke forgets token. Revoking an unknown token is a no-op.
func (tr *tokenRegistry) Revoke(token string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tokens, token)
}

func (tr *tokenRegistry) sweepLocked() {
	now := tr.now()
	for t, exp := range tr.tokens {
		if !exp.After(now) {
			delete(tr.tokens, t)
		}
	}
}

// bearerToken extracts the token from the Authorization header. When
// allowQuery is set it falls back to the ?token= query parameter; that
// relaxation exists only for the spreadsheet export, which must work as
// a plain downloadable link.
func bearerToken(r *http.Request, allowQuery bool) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

// requireAuth gates next behind bearer-token verification. A missing or
// invalid token terminates the request with 401 before next runs, so
// gated operations can never produce a side effect unauthorized.
func requireAuth(tokens *tokenRegistry, allowQuery bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r, allowQuery)
		if token == "" {
			writeErr(w, http.StatusUnauthorized, "missing token")
			return
		}
		if !tokens.Verify(token) {
			writeErr(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

// makeLoginHandler serves POST /api/login. Credentials are compared in
// constant time; a match issues a fresh bearer token.
func makeLoginHandler(cfg config, tokens *tokenRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json body")
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(body.Username)), []byte(cfg.adminUser))
		passOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(body.Password)), []byte(cfg.adminPass))
		if userOK&passOK != 1 {
			writeErr(w, http.StatusUnauthorized, "wrong username or password")
			return
		}

		token, err := tokens.Issue()
		if err != nil {
			logger.Error("token issue failed", "error", err)
			writeErr(w, http.StatusInternalServerError, "could not issue token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"token":      token,
			"expires_in": int64(cfg.tokenTTL.Seconds()),
		})
	}
}

// makeLogoutHandler serves POST /api/logout (behind requireAuth); it
// revokes the presented token.
func makeLogoutHandler(tokens *tokenRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokens.Revoke(bearerToken(r, false))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
