// Copyright (c) 2026 LabGate. All rights reserved.

package account

import (
	"context"
)

// Store defines the data access contract for member accounts.
//
// # Review Process
//
// This interface is placed in a separate file from account.go so entity changes
// and storage-contract changes can be reviewed independently by the team.
//
// # Implementations
//
// The canonical implementation for LabGate is PostgreSQL (see store_postgres.go).
type Store interface {
	// FindByID returns the account with the given ID.
	//
	// Returns [apperr.NotFound] if the account does not exist.
	FindByID(ctx context.Context, id string) (*Account, error)

	// FindByEmail returns the account with the given email.
	//
	// Returns [apperr.NotFound] if no account is registered with this email.
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// FindByProviderIdentity returns the account linked to the given WeChat
	// identity. The lookup tries the openid first; when that misses and a
	// unionid is available, it falls back to the unionid (the same person
	// seen through a different WeChat surface shares the unionid).
	//
	// Returns [apperr.NotFound] if neither identifier matches.
	FindByProviderIdentity(ctx context.Context, openID, unionID string) (*Account, error)

	// Create persists a brand-new account to the storage.
	//
	// Returns [apperr.Conflict] if a unique constraint (email, openid) fails.
	Create(ctx context.Context, acct *Account) error

	// UpdateLinkedProfile refreshes the WeChat identity fields of an account.
	// Nil inputs keep the stored value (COALESCE semantics): a provider that
	// stops returning a nickname must not erase the one already recorded.
	// The openID input covers the unionid-fallback case, where a known
	// person arrives through a WeChat surface not yet on record.
	UpdateLinkedProfile(ctx context.Context, id string, openID, unionID, nickname, avatarURL *string) error

	// RecordLogin atomically advances the account's session epoch and pins
	// the active device in a single UPDATE, then returns the new epoch.
	// Per-row atomicity is what revokes every previously issued token.
	RecordLogin(ctx context.Context, id, deviceID string) (int64, error)

	// SetApproved marks the account as approved by the given administrator.
	// Approving an already-approved account is a no-op (idempotent).
	//
	// Returns [apperr.NotFound] if the account does not exist.
	SetApproved(ctx context.Context, id, approverID string) error

	// List returns a page of accounts, optionally filtered by approval state
	// (nil means no filter), together with the total matching count.
	List(ctx context.Context, approved *bool, limit, offset int) ([]*Account, int, error)
}
