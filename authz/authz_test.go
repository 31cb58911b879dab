package authz

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret []byte, services []string) string {
	var claims = BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Services:         services,
	}
	var tok, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestAllowAllAlwaysPermits(t *testing.T) {
	assert.NoError(t, AllowAll{}.Authorize(context.Background(), "echo", "ping", nil))
}

func TestJWTBearerAllowsMatchingService(t *testing.T) {
	var secret = []byte("s3cr3t")
	var a = NewJWTBearer(secret)
	var tok = signToken(t, secret, []string{"echo"})

	err := a.Authorize(context.Background(), "echo", "ping", map[string]string{"authorization": "Bearer " + tok})
	assert.NoError(t, err)
}

func TestJWTBearerDeniesWrongService(t *testing.T) {
	var secret = []byte("s3cr3t")
	var a = NewJWTBearer(secret)
	var tok = signToken(t, secret, []string{"other"})

	err := a.Authorize(context.Background(), "echo", "ping", map[string]string{"authorization": "Bearer " + tok})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestJWTBearerDeniesMissingHeader(t *testing.T) {
	var a = NewJWTBearer([]byte("s3cr3t"))
	err := a.Authorize(context.Background(), "echo", "ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestJWTBearerDeniesBadSignature(t *testing.T) {
	var a = NewJWTBearer([]byte("s3cr3t"))
	var tok = signToken(t, []byte("wrong-secret"), []string{"echo"})

	err := a.Authorize(context.Background(), "echo", "ping", map[string]string{"authorization": "Bearer " + tok})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestJWTBearerWildcardService(t *testing.T) {
	var secret = []byte("s3cr3t")
	var a = NewJWTBearer(secret)
	var tok = signToken(t, secret, []string{"*"})

	err := a.Authorize(context.Background(), "any-app", "ping", map[string]string{"authorization": "Bearer " + tok})
	assert.NoError(t, err)
}
