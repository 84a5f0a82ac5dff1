package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRegistryIssueVerifyRevoke(t *testing.T) {
	t.Parallel()
	reg := newTokenRegistry(time.Hour)

	token, err := reg.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("Issue returned empty token")
	}
	if !reg.Verify(token) {
		t.Fatal("freshly issued token must verify")
	}
	if reg.Verify("not-a-token") {
		t.Fatal("unknown token must not verify")
	}
	if reg.Verify("") {
		t.Fatal("empty token must not verify")
	}

	reg.Revoke(token)
	if reg.Verify(token) {
		t.Fatal("revoked token must not verify")
	}
	// Revoking twice is a no-op.
	reg.Revoke(token)
}

func TestTokenRegistryExpiry(t *testing.T) {
	t.Parallel()
	reg := newTokenRegistry(12 * time.Hour)

	// Control the clock: issue at t0, verify around t0+TTL.
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return t0 }

	token, err := reg.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	reg.now = func() time.Time { return t0.Add(12*time.Hour - time.Second) }
	if !reg.Verify(token) {
		t.Fatal("token must verify just before expiry")
	}

	reg.now = func() time.Time { return t0.Add(12 * time.Hour) }
	if reg.Verify(token) {
		t.Fatal("token must not verify at expiry")
	}
}

// TestTokenRegistrySweep: expired entries are removed from the map as a
// side effect of the next access, not just rejected.
func TestTokenRegistrySweep(t *testing.T) {
	t.Parallel()
	reg := newTokenRegistry(time.Minute)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return t0 }

	old, _ := reg.Issue()
	reg.now = func() time.Time { return t0.Add(2 * time.Minute) }
	fresh, _ := reg.Issue()

	reg.mu.Lock()
	_, oldPresent := reg.tokens[old]
	_, freshPresent := reg.tokens[fresh]
	reg.mu.Unlock()
	if oldPresent {
		t.Fatal("expired token must be swept on the next Issue")
	}
	if !freshPresent {
		t.Fatal("fresh token must remain after sweep")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		header     string
		query      string
		allowQuery bool
		want       string
	}{
		{name: "header bearer", header: "Bearer abc123", want: "abc123"},
		{name: "header lowercase scheme", header: "bearer abc123", want: "abc123"},
		{name: "header wrong scheme", header: "Basic abc123", want: ""},
		{name: "header malformed", header: "Bearerabc123", want: ""},
		{name: "no header no query", want: ""},
		{name: "query ignored by default", query: "token=abc123", want: ""},
		{name: "query allowed for export", query: "token=abc123", allowQuery: true, want: "abc123"},
		{name: "header wins over query", header: "Bearer fromheader", query: "token=fromquery", allowQuery: true, want: "fromheader"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/admin/export_excel?"+c.query, nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			if got := bearerToken(req, c.allowQuery); got != c.want {
				t.Fatalf("bearerToken = %q, want %q", got, c.want)
			}
		})
	}
}

func TestRequireAuthBlocksBeforeHandler(t *testing.T) {
	t.Parallel()
	reg := newTokenRegistry(time.Hour)

	called := false
	h := requireAuth(reg, false, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/delete_history", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
	if called {
		t.Fatal("handler must not run without a token")
	}

	token, _ := reg.Issue()
	req = httptest.NewRequest(http.MethodPost, "/api/admin/delete_history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("want handler to run with valid token, got %d called=%v", rec.Code, called)
	}
}
