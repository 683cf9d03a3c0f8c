// Copyright (c) 2026 LabGate. All rights reserved.

package sec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labgate/labgate/internal/platform/sec"
)

const testSecret = "unit-test-signing-secret"

func newTestService(t *testing.T) *sec.TokenService {
	t.Helper()
	service, err := sec.NewTokenService(testSecret, "labgate.app")
	require.NoError(t, err)
	return service
}

/*
TestTokenService_RoundTrip verifies that a generated token carries all claims
back through verification.
*/
func TestTokenService_RoundTrip(t *testing.T) {
	service := newTestService(t)

	tokenString, expiresAt, err := service.GenerateSessionToken("user-123", "normal", 4, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := service.VerifyToken(tokenString)
	require.NoError(t, err)

	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "normal", claims.Role)
	assert.EqualValues(t, 4, claims.Epoch)
	assert.Equal(t, "labgate.app", claims.Issuer)
}

/*
TestTokenService_Expired verifies that an expired token is rejected with the
typed expiry error.
*/
func TestTokenService_Expired(t *testing.T) {
	service := newTestService(t)

	tokenString, _, err := service.GenerateSessionToken("user-123", "normal", 0, -time.Minute)
	require.NoError(t, err)

	_, err = service.VerifyToken(tokenString)
	require.Error(t, err)
	assert.ErrorIs(t, err, sec.ErrTokenExpired)
}

/*
TestTokenService_WrongSecret verifies that a token signed with a different
secret fails signature verification.
*/
func TestTokenService_WrongSecret(t *testing.T) {
	issuerService := newTestService(t)
	otherService, err := sec.NewTokenService("a-completely-different-secret", "labgate.app")
	require.NoError(t, err)

	tokenString, _, err := issuerService.GenerateSessionToken("user-123", "normal", 0, time.Hour)
	require.NoError(t, err)

	_, err = otherService.VerifyToken(tokenString)
	require.Error(t, err)
	assert.ErrorIs(t, err, sec.ErrTokenSignatureInvalid)
}

/*
TestTokenService_Malformed verifies that garbage input is classified as malformed.
*/
func TestTokenService_Malformed(t *testing.T) {
	service := newTestService(t)

	for _, input := range []string{"", "not-a-jwt", "a.b", "a.b.c"} {
		_, err := service.VerifyToken(input)
		require.Error(t, err)
		assert.ErrorIs(t, err, sec.ErrTokenMalformed)
	}
}

/*
TestNewTokenService_EmptySecret verifies the constructor rejects an empty key.
*/
func TestNewTokenService_EmptySecret(t *testing.T) {
	_, err := sec.NewTokenService("", "labgate.app")
	assert.Error(t, err)
}
