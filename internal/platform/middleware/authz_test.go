// Copyright (c) 2026 LabGate. All rights reserved.

package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/internal/platform/ctxutil"
	"github.com/labgate/labgate/internal/platform/middleware"
	"github.com/labgate/labgate/internal/platform/sec"
)

// stubVerifier accepts exactly one token string.
type stubVerifier struct {
	claims *sec.AuthClaims
}

func (v *stubVerifier) VerifyToken(tokenStr string) (*sec.AuthClaims, error) {
	if tokenStr == "good-token" {
		return v.claims, nil
	}
	return nil, errors.New("bad token")
}

// stubChecker records the session re-check arguments and returns a fixed error.
type stubChecker struct {
	err       error
	accountID string
	epoch     int64
	deviceID  string
	called    bool
}

func (c *stubChecker) CheckSession(_ context.Context, accountID string, epoch int64, deviceID string) error {
	c.called = true
	c.accountID = accountID
	c.epoch = epoch
	c.deviceID = deviceID
	return c.err
}

func guardedHandler(t *testing.T, checker *stubChecker, reached *bool) http.Handler {
	t.Helper()

	verifier := &stubVerifier{claims: &sec.AuthClaims{UserID: "acct-1", Role: "normal", Epoch: 7}}
	inner := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		*reached = true
		assert.Equal(t, "device-xyz", ctxutil.GetDeviceID(request.Context()))
		writer.WriteHeader(http.StatusOK)
	})

	return middleware.Authenticate(verifier)(middleware.SessionGuard(checker)(inner))
}

/*
TestSessionGuard_HappyPath verifies that a valid token plus matching live
session reaches the handler with the device ID injected into context.
*/
func TestSessionGuard_HappyPath(t *testing.T) {
	checker := &stubChecker{}
	reached := false
	handler := guardedHandler(t, checker, &reached)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer good-token")
	request.Header.Set("X-Device-Id", "device-xyz")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, reached)
	assert.True(t, checker.called)
	assert.Equal(t, "acct-1", checker.accountID)
	assert.EqualValues(t, 7, checker.epoch)
	assert.Equal(t, "device-xyz", checker.deviceID)
}

/*
TestSessionGuard_Anonymous verifies that a request without credentials is
rejected before the session store is consulted.
*/
func TestSessionGuard_Anonymous(t *testing.T) {
	checker := &stubChecker{}
	reached := false
	handler := guardedHandler(t, checker, &reached)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("X-Device-Id", "device-xyz")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.False(t, reached)
	assert.False(t, checker.called)
}

/*
TestSessionGuard_MissingDeviceHeader verifies that an authenticated request
without a device identifier is a client error, not an auth failure.
*/
func TestSessionGuard_MissingDeviceHeader(t *testing.T) {
	checker := &stubChecker{}
	reached := false
	handler := guardedHandler(t, checker, &reached)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer good-token")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.False(t, reached)
	assert.False(t, checker.called)
}

/*
TestSessionGuard_RevokedSession verifies that a failed live re-check surfaces
as the checker's error verbatim.
*/
func TestSessionGuard_RevokedSession(t *testing.T) {
	checker := &stubChecker{err: apperr.Unauthorized("Session is no longer valid")}
	reached := false
	handler := guardedHandler(t, checker, &reached)

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer good-token")
	request.Header.Set("X-Device-Id", "device-xyz")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.False(t, reached)
	assert.True(t, checker.called)
}
