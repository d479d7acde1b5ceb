package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated caller. Legacy shared-secret callers get
// the fixed legacy identity, which is always privileged.
type Identity struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// LegacyIdentity is assigned when the static shared secret matches.
var LegacyIdentity = Identity{ID: "legacy", Username: "legacy", Roles: []string{"SERVICE"}}

// Privileged reports whether the caller may touch instances it does not
// own. Role names are matched case-insensitively.
func (id Identity) Privileged() bool {
	for _, role := range id.Roles {
		switch strings.ToUpper(role) {
		case "ADMIN", "SERVICE":
			return true
		}
	}
	return false
}

// CanAccess reports whether the caller may read or delete an instance
// owned by ownerID.
func (id Identity) CanAccess(ownerID string) bool {
	if id.Privileged() {
		return true
	}
	return ownerID != "" && id.ID == ownerID
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the identity set by the middleware. The second
// return is false only on unauthenticated routes.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
