// Copyright (c) 2026 LabGate. All rights reserved.

package link

import (
	"context"
	"fmt"
	"time"

	"github.com/labgate/labgate/internal/account"
	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/internal/platform/constants"
	"github.com/labgate/labgate/internal/platform/ctxutil"
	"github.com/labgate/labgate/internal/platform/sec"
	"github.com/labgate/labgate/internal/platform/validate"
	"github.com/labgate/labgate/pkg/pointer"
	"github.com/labgate/labgate/pkg/uuidv7"
)

// SessionIssuer is the slice of the account service the linker needs: once
// an external identity resolves to an approved account, session issuance is
// identical to password login (epoch advance, device pin, token).
type SessionIssuer interface {
	IssueSession(ctx context.Context, acct *account.Account, deviceID string) (string, time.Time, error)
}

// Service implements the third-party login use cases.
type Service struct {
	provider Provider // nil when the deployment has no provider configured
	states   StateStore
	accounts account.Store
	sessions SessionIssuer
}

// NewService constructs a link [Service].
//
// A nil provider is valid: deployments without WeChat credentials keep the
// endpoints mounted but every flow fails fast with a client error.
func NewService(provider Provider, states StateStore, accounts account.Store, sessions SessionIssuer) *Service {
	return &Service{
		provider: provider,
		states:   states,
		accounts: accounts,
		sessions: sessions,
	}
}

// StartResult is the payload the SPA needs to begin the provider flow.
type StartResult struct {
	AuthorizeURL string `json:"authorize_url"`
	State        string `json:"state"`
}

// Start mints a single-use CSRF state and builds the provider authorize URL.
//
// # Parameters
//   - redirectTo: optional SPA route to resume after login. It rides inside
//     the stored state, never through the provider.
func (service *Service) Start(ctx context.Context, redirectTo string) (*StartResult, error) {
	if service.provider == nil {
		return nil, apperr.ValidationError("Third-party login is not configured")
	}

	stateToken, err := sec.GenerateSecureToken(constants.LinkStateLength)
	if err != nil {
		return nil, fmt.Errorf("link_service_state_generation_failed: %w", err)
	}

	state := &LinkState{
		State:      stateToken,
		Provider:   service.provider.Name(),
		RedirectTo: redirectTo,
		CreatedAt:  time.Now(),
	}
	if err := service.states.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("link_service_state_save_failed: %w", err)
	}

	authorizeURL, err := service.provider.AuthorizeURL(stateToken)
	if err != nil {
		return nil, fmt.Errorf("link_service_authorize_url_failed: %w", err)
	}

	return &StartResult{
		AuthorizeURL: authorizeURL,
		State:        stateToken,
	}, nil
}

// CallbackInput carries the provider redirect parameters plus the device
// the resulting session binds to.
type CallbackInput struct {
	Code     string
	State    string
	DeviceID string
}

// CallbackResult mirrors [account.LoginResult] with two additions: the
// redirect target recovered from the link state, and whether the optional
// profile enrichment succeeded (the link itself stands either way).
type CallbackResult struct {
	PendingApproval bool
	Message         string
	Token           string
	ExpiresAt       time.Time
	Account         *account.Account
	RedirectTo      string
	ProfileFetched  bool
}

// Callback completes the provider flow: consume the state, exchange the
// code, resolve or create the account, and issue a device-bound session.
//
// # Flow
//  1. Consume the state (single-use; absent or reused → Invalid state).
//  2. Exchange the code at the provider (failure → PROVIDER_ERROR).
//  3. Resolve the identity: openid, then unionid, then create an account
//     with a placeholder email and a random password.
//  4. Best-effort profile enrichment; never aborts the flow.
//  5. Approval gate, then the shared session-issuance path.
func (service *Service) Callback(ctx context.Context, input CallbackInput) (*CallbackResult, error) {
	// ── 1. Input & State Validation ───────────────────────────────────────

	if input.Code == "" || input.State == "" {
		return nil, validate.RequiredError("code/state", "are required")
	}
	if input.DeviceID == "" {
		return nil, validate.RequiredError("device_id", "Missing device id")
	}
	if service.provider == nil {
		return nil, apperr.ValidationError("Third-party login is not configured")
	}

	// The consume is atomic: of two racing callbacks with the same state,
	// exactly one proceeds past this line.
	state, err := service.states.Consume(ctx, input.State)
	if err != nil {
		return nil, err
	}

	// ── 2. Code Exchange ──────────────────────────────────────────────────

	identity, err := service.provider.Exchange(ctx, input.Code)
	if err != nil {
		return nil, err
	}

	// ── 3. Account Resolution ─────────────────────────────────────────────

	acct, err := service.accounts.FindByProviderIdentity(ctx, identity.OpenID, identity.UnionID)
	if err != nil {
		if apperr.As(err) == nil || apperr.As(err).Code != "NOT_FOUND" {
			return nil, err
		}
		acct, err = service.createLinkedAccount(ctx, identity)
		if err != nil {
			return nil, err
		}
	}

	// ── 4. Profile Enrichment (best-effort) ───────────────────────────────

	profileFetched := service.refreshLinkedProfile(ctx, acct, identity)

	// ── 5. Approval Gate & Session Issuance ───────────────────────────────

	if !acct.Approved {
		return &CallbackResult{
			PendingApproval: true,
			Message:         "Your account is awaiting administrator approval",
			Account:         acct,
			RedirectTo:      state.RedirectTo,
			ProfileFetched:  profileFetched,
		}, nil
	}

	token, expiresAt, err := service.sessions.IssueSession(ctx, acct, input.DeviceID)
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		Token:          token,
		ExpiresAt:      expiresAt,
		Account:        acct,
		RedirectTo:     state.RedirectTo,
		ProfileFetched: profileFetched,
	}, nil
}

// createLinkedAccount provisions an account for a never-seen identity.
//
// The placeholder email keeps the NOT NULL + UNIQUE email schema honest for
// members who have never typed one. The random password hash means the
// account simply has no usable password until its owner sets one.
func (service *Service) createLinkedAccount(ctx context.Context, identity *Identity) (*account.Account, error) {
	randomPassword, err := sec.GenerateSecureToken(16)
	if err != nil {
		return nil, fmt.Errorf("link_service_password_generation_failed: %w", err)
	}
	passwordHash, err := sec.HashPassword(randomPassword)
	if err != nil {
		return nil, fmt.Errorf("link_service_password_hash_failed: %w", err)
	}

	// Prefer the unionid as the stable placeholder base; fall back to openid.
	base := identity.UnionID
	if base == "" {
		base = identity.OpenID
	}

	acct := &account.Account{
		ID:           uuidv7.New(),
		Email:        fmt.Sprintf("wx_%s@wx.local", base),
		PasswordHash: passwordHash,
		Role:         sec.RoleNormal,
		Approved:     false, // Linked members wait for approval like everyone else.
		WeChatOpenID: &identity.OpenID,
		SessionEpoch: 0,
	}
	if identity.UnionID != "" {
		acct.WeChatUnionID = pointer.To(identity.UnionID)
	}

	err = service.accounts.Create(ctx, acct)
	if err == nil {
		return acct, nil
	}

	// Placeholder email collision (a deleted-then-relinked identity, or a
	// member who registered that exact address). Retry once with a
	// timestamped address; an openid conflict means a racing callback
	// already created the account, so re-resolve instead.
	if ae := apperr.As(err); ae != nil && ae.Code == "CONFLICT" {
		acct.Email = fmt.Sprintf("wx_%s_%d@wx.local", identity.OpenID, time.Now().UnixMilli())
		if retryErr := service.accounts.Create(ctx, acct); retryErr == nil {
			return acct, nil
		}
		return service.accounts.FindByProviderIdentity(ctx, identity.OpenID, identity.UnionID)
	}

	return nil, err
}

// refreshLinkedProfile records the identity (and, best-effort, the profile)
// on the account. Reports whether the optional profile fetch succeeded.
func (service *Service) refreshLinkedProfile(ctx context.Context, acct *account.Account, identity *Identity) bool {
	var unionID *string
	if identity.UnionID != "" {
		unionID = pointer.To(identity.UnionID)
	}

	var nickname, avatarURL *string
	profileFetched := false

	if identity.AccessToken != "" {
		profile, err := service.provider.FetchProfile(ctx, identity.AccessToken, identity.OpenID)
		if err != nil {
			// Enrichment is decorative. Log and move on: failing the whole
			// login because an avatar was unavailable would be absurd.
			ctxutil.GetLogger(ctx).WarnContext(ctx, "link_profile_fetch_failed",
				"provider", service.provider.Name(),
				"error", err.Error(),
			)
		} else {
			nickname, avatarURL = profile.Nickname, profile.AvatarURL
			profileFetched = true
		}
	}

	// Identity columns fill in only when previously empty: a unionid-fallback
	// login from a second surface must not replace the openid the account was
	// first linked with, or the original surface could no longer resolve it.
	// Profile columns take fresh values; nil inputs never erase stored ones.
	err := service.accounts.UpdateLinkedProfile(ctx, acct.ID, pointer.To(identity.OpenID), unionID, nickname, avatarURL)
	if err != nil {
		ctxutil.GetLogger(ctx).WarnContext(ctx, "link_profile_update_failed",
			"account_id", acct.ID,
			"error", err.Error(),
		)
		return profileFetched
	}

	// Mirror the write on the in-memory entity for the response payload.
	acct.WeChatOpenID = pointer.Coalesce(acct.WeChatOpenID, pointer.To(identity.OpenID))
	acct.WeChatUnionID = pointer.Coalesce(acct.WeChatUnionID, unionID)
	acct.WeChatNickname = pointer.Coalesce(nickname, acct.WeChatNickname)
	acct.WeChatAvatar = pointer.Coalesce(avatarURL, acct.WeChatAvatar)

	return profileFetched
}
