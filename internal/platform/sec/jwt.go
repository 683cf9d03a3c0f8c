// Copyright (c) 2026 LabGate. All rights reserved.

// Package sec provides cryptographic primitives and token management.
//
// # Architecture
//
// This package isolates security-sensitive code (Hashing, JWT Signing) from
// the domain logic. It acts as an Infrastructure service injected into the
// Application layer via small interfaces ([middleware.TokenVerifier]).
package sec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Typed verification failures.
//
// Callers branch on these with [errors.Is]; every other failure mode from the
// underlying JWT library is folded into [ErrTokenMalformed].
var (
	// ErrTokenMalformed indicates the token is not a parseable JWT.
	ErrTokenMalformed = errors.New("sec: token is malformed")

	// ErrTokenSignatureInvalid indicates the signature does not match the key.
	ErrTokenSignatureInvalid = errors.New("sec: token signature is invalid")

	// ErrTokenExpired indicates the token is past its expiry. Expiry is
	// strict; no clock-skew compensation is applied.
	ErrTokenExpired = errors.New("sec: token is expired")
)

// AuthClaims represents the payload embedded inside a session token.
//
// # Why custom claims?
//
// The UserID and Role travel inside the token so middleware can reconstruct
// the caller's identity without a database read. The Epoch is different: it
// is only a snapshot, and the session guard always re-reads the live epoch
// from the credential store before trusting it. The token is a capability
// snapshot; the store is the revocation oracle.
type AuthClaims struct {
	jwt.RegisteredClaims

	// Custom application claims are abbreviated to keep the JWT payload small.
	UserID string `json:"uid"`
	Role   string `json:"rol"`
	Epoch  int64  `json:"epo"`
}

// TokenService handles generation and verification of session tokens using HS256.
//
// # Key Management
//
// The signing secret is supplied externally at process start (environment),
// so rotating it is a deployment concern, never a code change. Rotating the
// secret invalidates every outstanding token at once.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a new TokenService from an externally supplied secret.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("sec: signing secret must not be empty")
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
	}, nil
}

// GenerateSessionToken creates a signed session token for an account.
//
// # Parameters
//   - userID: The ID of the account.
//   - role: The account's role at issuance time (a snapshot, not re-derived).
//   - epoch: The account's session epoch at issuance time.
//   - timeToLive: The duration before the token expires.
//
// # Returns
//   - The signed token string and its expiry instant.
func (service *TokenService) GenerateSessionToken(userID string, role string, epoch int64, timeToLive time.Duration) (string, time.Time, error) {
	currentTime := time.Now()
	expiresAt := currentTime.Add(timeToLive)

	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    service.issuer,
			IssuedAt:  jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID: userID,
		Role:   role,
		Epoch:  epoch,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(service.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sec: failed to sign token: %w", err)
	}

	return signedToken, expiresAt, nil
}

// VerifyToken checks the signature and validity of a session token string.
//
// # Returns
//   - The embedded [*AuthClaims] on success.
//   - [ErrTokenExpired], [ErrTokenSignatureInvalid], or [ErrTokenMalformed]
//     (matchable via [errors.Is]) on failure.
func (service *TokenService) VerifyToken(tokenString string) (*AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("sec: unexpected signing method: %v", token.Header["alg"])
		}
		return service.secret, nil
	})

	if err != nil {
		return nil, classifyVerifyError(err)
	}

	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

// classifyVerifyError maps the JWT library's error chain onto this package's
// typed failures so callers never import the library directly.
func classifyVerifyError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrTokenSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
}
