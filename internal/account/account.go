// Copyright (c) 2026 LabGate. All rights reserved.

// Package account defines the core membership entities and rules of the
// LabGate platform.
//
// # Architecture
//
// Entities in this package represent the "Truth" of the system.
// They have no dependencies on outer layers (like databases, APIs, or libraries).
// This makes the core logic highly testable and resilient to technology changes.
package account

import (
	"errors"
	"time"

	"github.com/labgate/labgate/internal/platform/sec"
)

// Session integrity causes. These never reach clients verbatim: both collapse
// into one generic Unauthorized message so a caller cannot probe whether an
// epoch or a device check tripped. They exist for internal branching and logs.
var (
	// ErrEpochStale indicates the token's session epoch no longer matches the
	// live account record (a newer login has revoked it).
	ErrEpochStale = errors.New("account: session epoch is stale")

	// ErrDeviceMismatch indicates the presented device is not the account's
	// active device.
	ErrDeviceMismatch = errors.New("account: device does not match active device")
)

// Account represents a registered member of the LabGate platform.
//
// # Rules
//   - Email is unique and validated.
//   - PasswordHash is generated via Bcrypt exclusively via the Service.
//   - Approved gates login: an unapproved account can authenticate but never
//     receives a session token.
//   - SessionEpoch increments on every successful login. Tokens minted under
//     an older epoch are revoked.
//   - ActiveDeviceID is the device of the most recent login; requests from
//     any other device are rejected by the session guard.
type Account struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"` // Explicitly omitted from JSON for security.
	Role         sec.UserRole `json:"role"`

	// Approval gate
	Approved   bool       `json:"approved"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy *string    `json:"approved_by,omitempty"`

	// Linked WeChat identity. All nil until the account is linked.
	WeChatOpenID   *string `json:"wechat_openid,omitempty"`
	WeChatUnionID  *string `json:"wechat_unionid,omitempty"`
	WeChatNickname *string `json:"wechat_nickname,omitempty"`
	WeChatAvatar   *string `json:"wechat_avatar,omitempty"`

	// Single-device session state. Internal: never serialized to clients.
	SessionEpoch   int64   `json:"-"`
	ActiveDeviceID *string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Linked reports whether the account has a WeChat identity attached.
func (a *Account) Linked() bool {
	return a.WeChatOpenID != nil && *a.WeChatOpenID != ""
}

// User is the public projection of an account carried by sign-in responses.
//
// The sign-in contract deliberately exposes only identity and role; approval
// bookkeeping and linked-identity details stay on the full entity, which only
// the profile and admin endpoints return.
type User struct {
	ID    string       `json:"id"`
	Email string       `json:"email"`
	Role  sec.UserRole `json:"role"`
}

// Public returns the sign-in projection of the account.
func (a *Account) Public() User {
	return User{ID: a.ID, Email: a.Email, Role: a.Role}
}
