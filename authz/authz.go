// Package authz is the external auth collaborator named in spec.md §1:
// called with (service, event, headers) -> allow|deny. It is deliberately
// out of the runtime's core scope -- a documented interface plus one
// default implementation -- so operators can swap in their own.
//
// Grounded on qzbxw-EGO's bearer-token middleware (backend/go-api), which
// reads an Authorization header, parses a JWT, and maps claims to an
// allow/deny decision; adapted here from an HTTP middleware into a plain
// function called once per enqueue, per spec.md §7's Authorization error
// kind (surfaced as a stream error, not logged at error level).
package authz

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrDenied is returned by Authorizer.Authorize when the caller is
// recognized but not permitted; the Node Service's Enqueue returns it to
// the caller as a gRPC PermissionDenied status.
var ErrDenied = errors.New("authz: denied")

// Authorizer is the external collaborator interface: given the target
// service (app) name, the invoked event, and the client-supplied
// headers, it returns nil to allow or an error (typically ErrDenied) to
// deny. Implementations must not block indefinitely; callers apply their
// own per-call context deadline.
type Authorizer interface {
	Authorize(ctx context.Context, service, event string, headers map[string]string) error
}

// AllowAll is the zero-friction default: every call is permitted. Useful
// for development nodes and for apps that don't opt into auth.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string, map[string]string) error { return nil }

// BearerClaims is the minimal claim set the default JWT authorizer
// requires: the subject's allowed service names.
type BearerClaims struct {
	jwt.RegisteredClaims
	Services []string `json:"services"`
}

// JWTBearer is the default non-trivial Authorizer: it expects headers to
// carry an "authorization" entry of the form "Bearer <token>", validates
// the token's signature against Secret, and allows the call iff the
// token's Services claim contains the requested service (or "*").
type JWTBearer struct {
	Secret []byte
}

// NewJWTBearer returns a JWTBearer authorizer keyed by secret.
func NewJWTBearer(secret []byte) *JWTBearer {
	return &JWTBearer{Secret: secret}
}

func (a *JWTBearer) Authorize(ctx context.Context, service, event string, headers map[string]string) error {
	var raw = bearerToken(headers)
	if raw == "" {
		return errors.Wrap(ErrDenied, "missing bearer token")
	}

	var claims BearerClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	})
	if err != nil {
		return errors.Wrapf(ErrDenied, "invalid token: %v", err)
	}

	for _, s := range claims.Services {
		if s == service || s == "*" {
			return nil
		}
	}
	return errors.Wrapf(ErrDenied, "token not authorized for service %q", service)
}

func bearerToken(headers map[string]string) string {
	const prefix = "Bearer "
	var v = headers["authorization"]
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return ""
}

var _ Authorizer = AllowAll{}
var _ Authorizer = (*JWTBearer)(nil)
