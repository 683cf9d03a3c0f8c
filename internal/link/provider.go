// Copyright (c) 2026 LabGate. All rights reserved.

// Package link implements third-party identity linking: the OAuth-style flow
// that attaches an external identity (WeChat) to a LabGate account and signs
// the member in through it.
//
// # Architecture
//
// The package is split along the same seams as the account domain:
//   - provider.go : the contract every identity provider implements.
//   - wechat.go   : the WeChat implementation of that contract.
//   - state_redis.go : volatile single-use CSRF state storage.
//   - service.go  : the start/callback use cases.
//   - http.go     : the HTTP delivery layer.
package link

import (
	"context"
)

// Identity is what a provider asserts about the caller after a successful
// code exchange. OpenID is scoped to one app; UnionID (optional) identifies
// the same person across all apps of the same vendor account.
type Identity struct {
	OpenID      string
	UnionID     string
	AccessToken string
}

// Profile is the optional enrichment data fetched after the exchange.
// Nil fields mean the provider returned nothing for them.
type Profile struct {
	Nickname  *string
	AvatarURL *string
}

// Provider is the contract an external identity provider implements.
//
// # Why an interface?
//
// The service layer never talks to a provider's wire format directly. Tests
// substitute a stub, and a second provider (another vendor, another surface)
// is a new implementation, not a service change.
type Provider interface {
	// Name identifies the provider in link states and logs.
	Name() string

	// AuthorizeURL builds the URL the member's browser is sent to,
	// embedding the single-use CSRF state.
	AuthorizeURL(state string) (string, error)

	// Exchange trades an authorization code for the provider's identity
	// assertion. Failures are terminal for the flow: the code is single-use
	// upstream, so the client must restart from AuthorizeURL.
	Exchange(ctx context.Context, code string) (*Identity, error)

	// FetchProfile retrieves optional display data (nickname, avatar).
	// Callers must tolerate failure: the link itself stands without it.
	FetchProfile(ctx context.Context, accessToken, openID string) (*Profile, error)
}
