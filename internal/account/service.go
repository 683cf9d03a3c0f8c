// Copyright (c) 2026 LabGate. All rights reserved.

// Service layer: the membership use cases (register, login, approval,
// session integrity).
//
// # Architecture
//
// The service orchestrates domain entities and interacts with repositories
// through interfaces. It is technology-agnostic and does not know about
// HTTP or SQL.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/internal/platform/constants"
	"github.com/labgate/labgate/internal/platform/sec"
	"github.com/labgate/labgate/internal/platform/validate"
	"github.com/labgate/labgate/pkg/pagination"
	"github.com/labgate/labgate/pkg/uuidv7"
)

// TokenSigner defines the contract for minting session tokens.
type TokenSigner interface {
	// GenerateSessionToken creates a signed JWT carrying the account's
	// identity, role, and session epoch snapshot.
	GenerateSessionToken(userID, role string, epoch int64, timeToLive time.Duration) (string, time.Time, error)
}

// Service implements membership authentication use cases.
//
// # Review Process
//
// This service is critical for security. Any changes to hashing, login,
// or session-revocation logic must be reviewed by the security team.
type Service struct {
	store  Store
	signer TokenSigner
}

// NewService constructs a new account [Service] with its dependencies.
func NewService(store Store, signer TokenSigner) *Service {
	return &Service{
		store:  store,
		signer: signer,
	}
}

// RegisterInput holds the data required to enroll a new member.
type RegisterInput struct {
	Email    string
	Password string
}

// Register validates, hashes, and persists a brand new member account.
//
// # Returns
//   - A pointer to the newly created [*Account], unapproved.
//   - Returns [apperr.Conflict] if the email already exists.
//
// # Business Rules
//   - Emails must be unique.
//   - Default role is always 'normal'.
//   - New accounts start unapproved; they cannot obtain a session token
//     until an administrator approves them.
func (service *Service) Register(ctx context.Context, input RegisterInput) (*Account, error) {
	// ── 1. Input Validation ───────────────────────────────────────────────

	v := &validate.Validator{}
	if err := v.
		Required("email", input.Email).
		Email("email", input.Email).
		Required("password", input.Password).
		MinLen("password", input.Password, 6).
		MaxLen("password", input.Password, 72). // bcrypt input ceiling
		Err(); err != nil {
		return nil, err
	}

	// ── 2. Security ───────────────────────────────────────────────────────

	// Prevent storing plain-text passwords. Default cost is used for balance
	// between security and CPU utilization during registration spikes.
	hashedPassword, err := sec.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("account_service_hash_failed: %w", err)
	}

	// ── 3. Entity Construction ────────────────────────────────────────────

	acct := &Account{
		ID:           uuidv7.New(), // Time-sortable ID to prevent PG index fragmentation.
		Email:        input.Email,
		PasswordHash: hashedPassword,
		Role:         sec.RoleNormal, // Rule: default role is always Normal
		Approved:     false,          // Rule: every self-registration awaits approval
		SessionEpoch: 0,
	}

	// ── 4. Persistence ────────────────────────────────────────────────────

	// The store surfaces the unique-email violation as [apperr.Conflict];
	// a pre-flight SELECT would only race against concurrent registrations.
	if err := service.store.Create(ctx, acct); err != nil {
		return nil, err
	}

	return acct, nil
}

// LoginInput defines credentials for an authentication attempt.
type LoginInput struct {
	Email    string
	Password string
	DeviceID string
}

// LoginResult represents the outcome of a successful credential check.
//
// # Pending Approval Is Not An Error
//
// An unapproved member presenting correct credentials has NOT failed to
// authenticate. The result is a success with PendingApproval set and no
// token, so clients render a "please wait" screen instead of an error.
type LoginResult struct {
	PendingApproval bool
	Message         string
	Token           string
	ExpiresAt       time.Time
	Account         *Account
}

// Login validates member credentials and, for approved accounts, issues a
// session token bound to the presented device.
//
// # Returns
//   - A [*LoginResult]. When PendingApproval is true, Token is empty.
//   - Returns [apperr.Unauthorized] if credentials do not match.
//
// # Flow
//  1. Lookup account by email.
//  2. Verify password hash using Bcrypt.
//  3. Unapproved account: succeed without a token.
//  4. Advance the session epoch, pin the device, mint the token.
func (service *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	// ── 1. Input Validation ───────────────────────────────────────────────

	if input.Email == "" || input.Password == "" {
		return nil, validate.RequiredError("email/password", "are required")
	}
	if input.DeviceID == "" {
		return nil, validate.RequiredError("device_id", "Missing device id")
	}

	// ── 2. Credential Verification ────────────────────────────────────────

	// An unknown email maps to the same opaque unauthorized error as a wrong
	// password, preventing account enumeration. A storage failure is neither:
	// it propagates as the server error it is.
	acct, err := service.store.FindByEmail(ctx, input.Email)
	if err != nil {
		if errIsNotFound(err) {
			return nil, apperr.Unauthorized("Invalid login credentials")
		}
		return nil, err
	}

	// Bcrypt comparison is constant-time, mitigating timing attacks.
	if !sec.CheckPasswordHash(input.Password, acct.PasswordHash) {
		return nil, apperr.Unauthorized("Invalid login credentials")
	}

	// ── 3. Approval Gate ──────────────────────────────────────────────────

	if !acct.Approved {
		return &LoginResult{
			PendingApproval: true,
			Message:         "Your account is awaiting administrator approval",
			Account:         acct,
		}, nil
	}

	// ── 4. Session Issuance ───────────────────────────────────────────────

	token, expiresAt, err := service.IssueSession(ctx, acct, input.DeviceID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Account:   acct,
	}, nil
}

// IssueSession advances the account's session epoch, pins the device, and
// mints a session token under the new epoch.
//
// Every call revokes all previously issued tokens for the account: the epoch
// they carry no longer matches the live record. This is the single-active-
// device policy in one place, shared by password login and third-party login.
func (service *Service) IssueSession(ctx context.Context, acct *Account, deviceID string) (string, time.Time, error) {
	newEpoch, err := service.store.RecordLogin(ctx, acct.ID, deviceID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("account_service_record_login_failed: %w", err)
	}

	// Keep the in-memory entity consistent with the row we just updated.
	acct.SessionEpoch = newEpoch
	acct.ActiveDeviceID = &deviceID

	token, expiresAt, err := service.signer.GenerateSessionToken(acct.ID, string(acct.Role), newEpoch, constants.SessionTokenTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("account_service_token_generation_failed: %w", err)
	}

	return token, expiresAt, nil
}

// CheckSession re-validates a token's session snapshot against the live
// account record. It implements [middleware.SessionChecker].
//
// # Opacity
//
// A stale epoch and a device mismatch both return the same generic
// Unauthorized message. The distinct sentinel causes ([ErrEpochStale],
// [ErrDeviceMismatch]) are attached for logs and tests only.
func (service *Service) CheckSession(ctx context.Context, accountID string, epoch int64, deviceID string) error {
	acct, err := service.store.FindByID(ctx, accountID)
	if err != nil {
		// A deleted account holds no valid session. Any other storage failure
		// propagates: a database outage must not read as a revoked session.
		if errIsNotFound(err) {
			return apperr.Unauthorized("Session is no longer valid").WithCause(err)
		}
		return err
	}

	if acct.SessionEpoch != epoch {
		return apperr.Unauthorized("Session is no longer valid").WithCause(ErrEpochStale)
	}

	if acct.ActiveDeviceID == nil || *acct.ActiveDeviceID != deviceID {
		return apperr.Unauthorized("Session is no longer valid").WithCause(ErrDeviceMismatch)
	}

	return nil
}

// Profile returns the account for the given ID.
func (service *Service) Profile(ctx context.Context, accountID string) (*Account, error) {
	return service.store.FindByID(ctx, accountID)
}

// List returns a page of accounts for the admin console, optionally filtered
// by approval state (nil means all accounts).
func (service *Service) List(ctx context.Context, approved *bool, page pagination.Params) ([]*Account, pagination.Meta, error) {
	accounts, total, err := service.store.List(ctx, approved, page.Limit, page.Offset())
	if err != nil {
		return nil, pagination.Meta{}, err
	}

	return accounts, pagination.NewMeta(page.Page, page.Limit, total), nil
}

// Approve marks an account as approved by the given administrator and
// returns the refreshed account.
//
// Approving an already-approved account succeeds without changing the
// original approval record (idempotent).
func (service *Service) Approve(ctx context.Context, accountID, approverID string) (*Account, error) {
	v := &validate.Validator{}
	if err := v.UUID("id", accountID).Err(); err != nil {
		return nil, err
	}

	if err := service.store.SetApproved(ctx, accountID, approverID); err != nil {
		return nil, err
	}

	return service.store.FindByID(ctx, accountID)
}

// EnsureAdmin seeds the bootstrap administrator account at startup.
//
// # Behavior
//   - No credentials configured: nothing to do.
//   - Account already exists: left untouched (the seed never resets a
//     password that may have been changed since).
//   - Otherwise: created as an approved admin.
func (service *Service) EnsureAdmin(ctx context.Context, email, password string) (*Account, error) {
	if email == "" || password == "" {
		return nil, nil
	}

	existing, err := service.store.FindByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errIsNotFound(err) {
		return nil, fmt.Errorf("account_service_ensure_admin_lookup_failed: %w", err)
	}

	hashedPassword, err := sec.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("account_service_ensure_admin_hash_failed: %w", err)
	}

	now := time.Now()
	admin := &Account{
		ID:           uuidv7.New(),
		Email:        email,
		PasswordHash: hashedPassword,
		Role:         sec.RoleAdmin,
		Approved:     true, // The bootstrap admin must be able to log in immediately.
		ApprovedAt:   &now,
		SessionEpoch: 0,
	}

	if err := service.store.Create(ctx, admin); err != nil {
		// A concurrent replica may have won the race; treat the duplicate
		// as success and re-read the row.
		if ae := apperr.As(err); ae != nil && ae.Code == "CONFLICT" {
			return service.store.FindByEmail(ctx, email)
		}
		return nil, fmt.Errorf("account_service_ensure_admin_create_failed: %w", err)
	}

	return admin, nil
}

// errIsNotFound reports whether err carries the NOT_FOUND application code.
func errIsNotFound(err error) bool {
	ae := apperr.As(err)
	return ae != nil && ae.Code == "NOT_FOUND"
}
