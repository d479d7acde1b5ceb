package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var ErrTokenRejected = errors.New("token_rejected")

// Validator checks a bearer token against the access-control service.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ServiceValidator calls GET <base>/api/auth/validate with the caller's
// bearer token. Any non-200 answer rejects the token; transport errors
// surface as such so the API can answer 503 instead of 401.
type ServiceValidator struct {
	baseURL string
	client  *http.Client
}

func NewServiceValidator(baseURL string, timeout time.Duration) *ServiceValidator {
	return &ServiceValidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *ServiceValidator) Validate(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/api/auth/validate", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, ErrTokenRejected
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode validate response: %w", err)
	}
	if id.ID == "" {
		return Identity{}, ErrTokenRejected
	}
	return id, nil
}
