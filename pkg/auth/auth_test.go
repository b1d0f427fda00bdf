package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/pkg/gwerrors"
)

func TestValidRoundTrip(t *testing.T) {
	v := NewValidator("topsecret")

	token, err := v.Sign("alice", []string{"tools"}, time.Minute)
	require.NoError(t, err)

	claims, err := v.FromAuthorizationHeader("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.True(t, claims.HasScope("tools"))
}

func TestSchemeCaseInsensitive(t *testing.T) {
	v := NewValidator("topsecret")
	token, err := v.Sign("alice", nil, time.Minute)
	require.NoError(t, err)

	for _, scheme := range []string{"bearer ", "BEARER ", "Bearer "} {
		_, err := v.FromAuthorizationHeader(scheme + token)
		assert.NoError(t, err, "scheme %q", scheme)
	}
}

func TestMissingHeader(t *testing.T) {
	v := NewValidator("topsecret")

	_, err := v.FromAuthorizationHeader("")
	requireKind(t, err, gwerrors.KindUnauthorized)

	_, err = v.FromAuthorizationHeader("Basic dXNlcjpwYXNz")
	requireKind(t, err, gwerrors.KindUnauthorized)
}

func TestWrongSecretRejected(t *testing.T) {
	minter := NewValidator("other-secret")
	token, err := minter.Sign("mallory", nil, time.Minute)
	require.NoError(t, err)

	v := NewValidator("topsecret")
	_, err = v.FromAuthorizationHeader("Bearer " + token)
	requireKind(t, err, gwerrors.KindUnauthorized)
}

func TestExpiredRejected(t *testing.T) {
	v := NewValidator("topsecret")
	token, err := v.Sign("alice", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.FromAuthorizationHeader("Bearer " + token)
	requireKind(t, err, gwerrors.KindUnauthorized)
}

func TestDisabledAdmitsAnonymous(t *testing.T) {
	v := NewValidator("")
	assert.False(t, v.Enabled())

	claims, err := v.FromAuthorizationHeader("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", claims.Subject)
}

func TestAllowsMethod(t *testing.T) {
	unrestricted := &Claims{Subject: "a"}
	assert.True(t, unrestricted.AllowsMethod("tools.call"))

	scoped := &Claims{Subject: "a", Scopes: []string{"tools"}}
	assert.True(t, scoped.AllowsMethod("tools.call"))
	assert.True(t, scoped.AllowsMethod("tools.list"))
	assert.False(t, scoped.AllowsMethod("admin.shutdown"))

	exact := &Claims{Subject: "a", Scopes: []string{"admin.shutdown"}}
	assert.True(t, exact.AllowsMethod("admin.shutdown"))
	assert.False(t, exact.AllowsMethod("admin.other"))
}

func requireKind(t *testing.T, err error, kind gwerrors.Kind) {
	t.Helper()
	var gwErr *gwerrors.Error
	require.True(t, errors.As(err, &gwErr), "expected classified error, got %v", err)
	assert.Equal(t, kind, gwErr.Kind)
}
