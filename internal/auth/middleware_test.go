package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gshost/tunneld/internal/config"
)

func testMiddleware(cfg config.AuthConfig, v Validator) *Middleware {
	return NewMiddleware(cfg, v, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func identityEcho(t *testing.T, want Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		assert.Equal(t, want, got)
		w.WriteHeader(http.StatusOK)
	})
}

func TestLegacyTokenHeader(t *testing.T) {
	mw := testMiddleware(config.AuthConfig{LegacyEnabled: true, LegacyToken: "shared-secret"}, nil)
	h := mw.Wrap(identityEcho(t, LegacyIdentity))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("X-API-Token", "shared-secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLegacyTokenInBody(t *testing.T) {
	mw := testMiddleware(config.AuthConfig{LegacyEnabled: true, LegacyToken: "shared-secret"}, nil)

	var seenBody string
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"server_id":"srv-1","token":"shared-secret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/instances", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	// The body must be replayable after the token probe.
	assert.Equal(t, body, seenBody)
}

func TestOversizedBodyPassedThroughIntact(t *testing.T) {
	mw := testMiddleware(config.AuthConfig{LegacyEnabled: true, LegacyToken: "shared-secret"}, nil)

	var seenLen int
	var seenTail string
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenLen = len(b)
		seenTail = string(b[len(b)-9:])
		w.WriteHeader(http.StatusOK)
	}))

	// Over the probe cap: the body token is ignored, but the body itself
	// must reach the handler whole.
	body := `{"server_id":"srv-1","pad":"` + strings.Repeat("a", 2<<20) + `","end":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/instances", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", "shared-secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, len(body), seenLen)
	assert.Equal(t, `end":"x"}`, seenTail)
}

func TestLegacyTokenQueryParam(t *testing.T) {
	mw := testMiddleware(config.AuthConfig{LegacyEnabled: true, LegacyToken: "shared-secret"}, nil)
	h := mw.Wrap(identityEcho(t, LegacyIdentity))

	req := httptest.NewRequest(http.MethodGet, "/api/instances?token=shared-secret", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMissingCredentials(t *testing.T) {
	mw := testMiddleware(config.AuthConfig{LegacyEnabled: true, LegacyToken: "shared-secret"}, nil)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { t.Fatal("handler reached") }))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWrongLegacyTokenWithoutValidator(t *testing.T) {
	mw := testMiddleware(config.AuthConfig{LegacyEnabled: true, LegacyToken: "shared-secret"}, nil)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { t.Fatal("handler reached") }))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("X-API-Token", "wrong")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDelegatedBearerToken(t *testing.T) {
	authSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/validate", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u42","username":"alice","roles":["USER"]}`))
	}))
	defer authSvc.Close()

	validator := NewServiceValidator(authSvc.URL, time.Second)
	mw := testMiddleware(config.AuthConfig{}, validator)
	h := mw.Wrap(identityEcho(t, Identity{ID: "u42", Username: "alice", Roles: []string{"USER"}}))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDelegatedTokenRejected(t *testing.T) {
	authSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer authSvc.Close()

	mw := testMiddleware(config.AuthConfig{}, NewServiceValidator(authSvc.URL, time.Second))
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { t.Fatal("handler reached") }))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthServiceUnreachable(t *testing.T) {
	authSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	authSvc.Close() // closed on purpose

	mw := testMiddleware(config.AuthConfig{}, NewServiceValidator(authSvc.URL, time.Second))
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { t.Fatal("handler reached") }))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer any")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPrivilegedRoles(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want bool
	}{
		{"admin", Identity{ID: "1", Roles: []string{"ADMIN"}}, true},
		{"lowercase service", Identity{ID: "2", Roles: []string{"service"}}, true},
		{"plain user", Identity{ID: "3", Roles: []string{"USER"}}, false},
		{"no roles", Identity{ID: "4"}, false},
		{"legacy", LegacyIdentity, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.id.Privileged())
		})
	}
}

func TestCanAccessOwnership(t *testing.T) {
	user := Identity{ID: "u1", Roles: []string{"USER"}}
	assert.True(t, user.CanAccess("u1"))
	assert.False(t, user.CanAccess("u2"))
	assert.False(t, user.CanAccess(""))
	assert.True(t, LegacyIdentity.CanAccess("u2"))
}
