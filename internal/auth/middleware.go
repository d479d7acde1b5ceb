package auth

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gshost/tunneld/internal/config"
)

const headerAPIToken = "X-API-Token"

// maxTokenBodyBytes bounds how much body is buffered while looking for
// the deprecated token field.
const maxTokenBodyBytes = 1 << 20

type Middleware struct {
	cfg       config.AuthConfig
	validator Validator
	log       *slog.Logger
}

func NewMiddleware(cfg config.AuthConfig, validator Validator, logger *slog.Logger) *Middleware {
	return &Middleware{cfg: cfg, validator: validator, log: logger}
}

// Wrap authenticates the request and stores the caller identity in the
// request context. The legacy shared secret is checked first; anything
// else goes to the access-control service as a bearer token.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Missing API credentials.")
			return
		}

		if m.cfg.LegacyEnabled && hmac.Equal([]byte(token), []byte(m.cfg.LegacyToken)) {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), LegacyIdentity)))
			return
		}

		if m.validator == nil {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Invalid API credentials.")
			return
		}
		id, err := m.validator.Validate(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrTokenRejected) {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Invalid API credentials.")
				return
			}
			m.log.Error("auth_service_error", slog.String("error", err.Error()))
			writeAuthError(w, http.StatusServiceUnavailable, "auth_unavailable", "Authentication service unavailable.")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// extractToken accepts, in priority order: the X-API-Token header, the
// Authorization header (with or without the Bearer prefix), the
// deprecated token query parameter, and the deprecated token field of a
// JSON body. The body is restored for downstream handlers.
func extractToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerAPIToken)); v != "" {
		return v
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if v := strings.TrimSpace(r.URL.Query().Get("token")); v != "" {
		return v
	}
	return bodyToken(r)
}

func bodyToken(r *http.Request) string {
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBodyBytes+1))
	if err != nil {
		return ""
	}
	if len(body) > maxTokenBodyBytes {
		// Too large to probe. Stitch the buffered prefix back onto the
		// unread remainder so handlers still see the whole body.
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var probe struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.Token)
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `","details":null}}`))
}
