// Copyright (c) 2026 LabGate. All rights reserved.

package link_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labgate/labgate/internal/account"
	"github.com/labgate/labgate/internal/link"
	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/pkg/pointer"
	"github.com/labgate/labgate/pkg/uuidv7"
)

// stubProvider is a canned [link.Provider].
type stubProvider struct {
	identity   *link.Identity
	profile    *link.Profile
	profileErr error
}

func (p *stubProvider) Name() string { return "wechat" }

func (p *stubProvider) AuthorizeURL(state string) (string, error) {
	return "https://provider.example/authorize?state=" + state, nil
}

func (p *stubProvider) Exchange(_ context.Context, code string) (*link.Identity, error) {
	if code != "good-code" {
		return nil, apperr.Provider("Identity provider rejected the login code", errors.New("bad code"))
	}
	return p.identity, nil
}

func (p *stubProvider) FetchProfile(_ context.Context, _, _ string) (*link.Profile, error) {
	if p.profileErr != nil {
		return nil, p.profileErr
	}
	return p.profile, nil
}

// memStateStore is an in-memory single-use [link.StateStore].
type memStateStore struct {
	states map[string]*link.LinkState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*link.LinkState)}
}

func (s *memStateStore) Save(_ context.Context, state *link.LinkState) error {
	copied := *state
	s.states[state.State] = &copied
	return nil
}

func (s *memStateStore) Consume(_ context.Context, stateToken string) (*link.LinkState, error) {
	state, ok := s.states[stateToken]
	if !ok {
		return nil, link.ErrInvalidState
	}
	delete(s.states, stateToken)
	return state, nil
}

// memAccountStore is the minimal [account.Store] the linker exercises.
type memAccountStore struct {
	accounts map[string]*account.Account
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{accounts: make(map[string]*account.Account)}
}

func (s *memAccountStore) FindByID(_ context.Context, id string) (*account.Account, error) {
	if acct, ok := s.accounts[id]; ok {
		return acct, nil
	}
	return nil, apperr.NotFound("Account")
}

func (s *memAccountStore) FindByEmail(_ context.Context, email string) (*account.Account, error) {
	for _, acct := range s.accounts {
		if acct.Email == email {
			return acct, nil
		}
	}
	return nil, apperr.NotFound("Account")
}

func (s *memAccountStore) FindByProviderIdentity(_ context.Context, openID, unionID string) (*account.Account, error) {
	for _, acct := range s.accounts {
		if acct.WeChatOpenID != nil && *acct.WeChatOpenID == openID {
			return acct, nil
		}
	}
	if unionID != "" {
		for _, acct := range s.accounts {
			if acct.WeChatUnionID != nil && *acct.WeChatUnionID == unionID {
				return acct, nil
			}
		}
	}
	return nil, apperr.NotFound("Account")
}

func (s *memAccountStore) Create(_ context.Context, acct *account.Account) error {
	for _, existing := range s.accounts {
		if existing.Email == acct.Email {
			return apperr.Conflict("Email is already registered")
		}
	}
	copied := *acct
	s.accounts[acct.ID] = &copied
	return nil
}

func (s *memAccountStore) UpdateLinkedProfile(_ context.Context, id string, openID, unionID, nickname, avatarURL *string) error {
	acct, ok := s.accounts[id]
	if !ok {
		return apperr.NotFound("Account")
	}
	acct.WeChatOpenID = pointer.Coalesce(acct.WeChatOpenID, openID)
	acct.WeChatUnionID = pointer.Coalesce(acct.WeChatUnionID, unionID)
	acct.WeChatNickname = pointer.Coalesce(nickname, acct.WeChatNickname)
	acct.WeChatAvatar = pointer.Coalesce(avatarURL, acct.WeChatAvatar)
	return nil
}

func (s *memAccountStore) RecordLogin(_ context.Context, id, deviceID string) (int64, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return 0, apperr.NotFound("Account")
	}
	acct.SessionEpoch++
	acct.ActiveDeviceID = &deviceID
	return acct.SessionEpoch, nil
}

func (s *memAccountStore) SetApproved(_ context.Context, id, approverID string) error {
	acct, ok := s.accounts[id]
	if !ok {
		return apperr.NotFound("Account")
	}
	acct.Approved = true
	acct.ApprovedBy = &approverID
	return nil
}

func (s *memAccountStore) List(_ context.Context, _ *bool, _, _ int) ([]*account.Account, int, error) {
	return nil, 0, nil
}

// stubIssuer records session issuance without real JWT work.
type stubIssuer struct {
	store *memAccountStore
}

func (i *stubIssuer) IssueSession(ctx context.Context, acct *account.Account, deviceID string) (string, time.Time, error) {
	epoch, err := i.store.RecordLogin(ctx, acct.ID, deviceID)
	if err != nil {
		return "", time.Time{}, err
	}
	acct.SessionEpoch = epoch
	return fmt.Sprintf("token-for-%s-epoch-%d", acct.ID, epoch), time.Now().Add(time.Hour), nil
}

// linkFixture bundles the wired service and its fakes.
type linkFixture struct {
	service  *link.Service
	provider *stubProvider
	states   *memStateStore
	accounts *memAccountStore
}

func newLinkFixture(identity *link.Identity) *linkFixture {
	provider := &stubProvider{
		identity: identity,
		profile: &link.Profile{
			Nickname:  pointer.To("小明"),
			AvatarURL: pointer.To("https://img.example/1.png"),
		},
	}
	states := newMemStateStore()
	accounts := newMemAccountStore()

	return &linkFixture{
		service:  link.NewService(provider, states, accounts, &stubIssuer{store: accounts}),
		provider: provider,
		states:   states,
		accounts: accounts,
	}
}

// startFlow mints a state like a real client would.
func (f *linkFixture) startFlow(t *testing.T) string {
	t.Helper()
	result, err := f.service.Start(context.Background(), "/library")
	require.NoError(t, err)
	return result.State
}

/*
TestLinkService_Start_NotConfigured verifies the fast failure when no
provider credentials are deployed.
*/
func TestLinkService_Start_NotConfigured(t *testing.T) {
	service := link.NewService(nil, newMemStateStore(), newMemAccountStore(), nil)

	_, err := service.Start(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", apperr.As(err).Code)
}

/*
TestLinkService_Start verifies state minting and URL construction.
*/
func TestLinkService_Start(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1"})

	result, err := fixture.service.Start(context.Background(), "/library")
	require.NoError(t, err)

	assert.NotEmpty(t, result.State)
	assert.Contains(t, result.AuthorizeURL, result.State)

	stored := fixture.states.states[result.State]
	require.NotNil(t, stored)
	assert.Equal(t, "/library", stored.RedirectTo)
	assert.Equal(t, "wechat", stored.Provider)
}

/*
TestLinkService_Callback_StateSingleUse verifies that a state works exactly
once and that an unknown state is rejected identically.
*/
func TestLinkService_Callback_StateSingleUse(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1", AccessToken: "at-1"})
	state := fixture.startFlow(t)

	input := link.CallbackInput{Code: "good-code", State: state, DeviceID: "dev-1"}

	_, err := fixture.service.Callback(context.Background(), input)
	require.NoError(t, err)

	// Replay of the same state: rejected.
	_, err = fixture.service.Callback(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, "Invalid state", err.Error())

	// Never-issued state: rejected with the same message.
	input.State = "fabricated"
	_, err = fixture.service.Callback(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, "Invalid state", err.Error())
}

/*
TestLinkService_Callback_CreatesAccount verifies first-contact provisioning:
placeholder email, unapproved, identity recorded, profile enrichment applied.
*/
func TestLinkService_Callback_CreatesAccount(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1", UnionID: "unionid-1", AccessToken: "at-1"})
	state := fixture.startFlow(t)

	result, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state, DeviceID: "dev-1",
	})
	require.NoError(t, err)

	// Brand-new linked members hit the same approval gate as registrations.
	assert.True(t, result.PendingApproval)
	assert.Empty(t, result.Token)
	assert.Equal(t, "/library", result.RedirectTo)
	assert.True(t, result.ProfileFetched)

	acct := result.Account
	require.NotNil(t, acct)
	assert.Equal(t, "wx_unionid-1@wx.local", acct.Email, "unionid is the preferred placeholder base")
	assert.False(t, acct.Approved)
	require.NotNil(t, acct.WeChatOpenID)
	assert.Equal(t, "openid-1", *acct.WeChatOpenID)
	require.NotNil(t, acct.WeChatNickname)
	assert.Equal(t, "小明", *acct.WeChatNickname)
	assert.NotEmpty(t, acct.PasswordHash, "a random password hash keeps the schema honest")
}

/*
TestLinkService_Callback_PlaceholderCollision verifies the timestamped
fallback email when the placeholder address is taken.
*/
func TestLinkService_Callback_PlaceholderCollision(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1", AccessToken: "at-1"})

	// Occupy the placeholder address with an unrelated account.
	fixture.accounts.accounts["squatter"] = &account.Account{
		ID: "squatter", Email: "wx_openid-1@wx.local",
	}

	state := fixture.startFlow(t)
	result, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state, DeviceID: "dev-1",
	})
	require.NoError(t, err)

	assert.Contains(t, result.Account.Email, "wx_openid-1_")
	assert.Contains(t, result.Account.Email, "@wx.local")
	assert.NotEqual(t, "wx_openid-1@wx.local", result.Account.Email)
}

/*
TestLinkService_Callback_UnionIDFallback verifies that a known person
arriving through a new WeChat surface resolves to the existing account
without disturbing the originally linked identity.
*/
func TestLinkService_Callback_UnionIDFallback(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-mp", UnionID: "unionid-1", AccessToken: "at-1"})

	// Existing account linked via the QR surface's openid.
	existing := &account.Account{
		ID:            uuidv7.New(),
		Email:         "member@example.com",
		Approved:      true,
		WeChatOpenID:  pointer.To("openid-qr"),
		WeChatUnionID: pointer.To("unionid-1"),
	}
	fixture.accounts.accounts[existing.ID] = existing

	state := fixture.startFlow(t)
	result, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state, DeviceID: "dev-1",
	})
	require.NoError(t, err)

	assert.False(t, result.PendingApproval)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, existing.ID, result.Account.ID, "no duplicate account for a known unionid")
	assert.Len(t, fixture.accounts.accounts, 1)

	// The openid the account was first linked with stays untouched.
	stored := fixture.accounts.accounts[existing.ID]
	require.NotNil(t, stored.WeChatOpenID)
	assert.Equal(t, "openid-qr", *stored.WeChatOpenID)
}

/*
TestLinkService_Callback_FirstLinkedOpenIDWins verifies that after a
unionid-fallback login from a second surface, the original surface can still
resolve the account by openid instead of provisioning a duplicate.
*/
func TestLinkService_Callback_FirstLinkedOpenIDWins(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-mp", UnionID: "unionid-1", AccessToken: "at-1"})

	existing := &account.Account{
		ID:            uuidv7.New(),
		Email:         "member@example.com",
		Approved:      true,
		WeChatOpenID:  pointer.To("openid-qr"),
		WeChatUnionID: pointer.To("unionid-1"),
	}
	fixture.accounts.accounts[existing.ID] = existing

	// MP-surface login resolves via the unionid.
	state := fixture.startFlow(t)
	_, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state, DeviceID: "dev-1",
	})
	require.NoError(t, err)

	// A later QR-surface login reports no unionid at all. The openid lookup
	// alone must find the account.
	fixture.provider.identity = &link.Identity{OpenID: "openid-qr", AccessToken: "at-2"}
	state = fixture.startFlow(t)
	result, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state, DeviceID: "dev-2",
	})
	require.NoError(t, err)

	assert.Equal(t, existing.ID, result.Account.ID)
	assert.Len(t, fixture.accounts.accounts, 1, "no duplicate account after the fallback login")
}

/*
TestLinkService_Callback_ProfileFetchFailureTolerated verifies that losing
the enrichment call never loses the login.
*/
func TestLinkService_Callback_ProfileFetchFailureTolerated(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1", AccessToken: "at-1"})
	fixture.provider.profileErr = apperr.Provider("Identity provider is unavailable", errors.New("timeout"))

	// Pre-approved account so the flow would mint a token.
	acct := &account.Account{
		ID:           uuidv7.New(),
		Email:        "member@example.com",
		Approved:     true,
		WeChatOpenID: pointer.To("openid-1"),
	}
	fixture.accounts.accounts[acct.ID] = acct

	state := fixture.startFlow(t)
	result, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state, DeviceID: "dev-1",
	})
	require.NoError(t, err, "profile enrichment is best-effort")

	assert.NotEmpty(t, result.Token)
	assert.False(t, result.ProfileFetched)
	assert.Nil(t, fixture.accounts.accounts[acct.ID].WeChatNickname)
}

/*
TestLinkService_Callback_BadCode verifies that a failed provider exchange
surfaces as a provider error after the state was consumed.
*/
func TestLinkService_Callback_BadCode(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1"})
	state := fixture.startFlow(t)

	_, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "stolen-code", State: state, DeviceID: "dev-1",
	})
	require.Error(t, err)
	assert.Equal(t, "PROVIDER_ERROR", apperr.As(err).Code)

	// The state was consumed by the failed attempt; the flow must restart.
	assert.Empty(t, fixture.states.states)
}

/*
TestLinkService_Callback_MissingDevice verifies the device header requirement.
*/
func TestLinkService_Callback_MissingDevice(t *testing.T) {
	fixture := newLinkFixture(&link.Identity{OpenID: "openid-1"})
	state := fixture.startFlow(t)

	_, err := fixture.service.Callback(context.Background(), link.CallbackInput{
		Code: "good-code", State: state,
	})
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", apperr.As(err).Code)

	// Validation precedes consumption: the state survives for a retry.
	assert.Len(t, fixture.states.states, 1)
}
