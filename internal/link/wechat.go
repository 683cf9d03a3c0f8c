// Copyright (c) 2026 LabGate. All rights reserved.

package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/labgate/labgate/internal/platform/apperr"
)

// WeChat platform variants. They differ only in the authorize endpoint and
// scope; the exchange and profile APIs are shared.
const (
	// PlatformQR is web QR-code login (open platform, scope snsapi_login).
	PlatformQR = "qr"
	// PlatformMP is the official-account in-app browser (scope snsapi_userinfo).
	PlatformMP = "mp"
)

// Production endpoints. Overridable on the struct so tests can point the
// provider at an httptest server.
const (
	defaultQRAuthorizeURL = "https://open.weixin.qq.com/connect/qrconnect"
	defaultMPAuthorizeURL = "https://open.weixin.qq.com/connect/oauth2/authorize"
	defaultAPIBaseURL     = "https://api.weixin.qq.com"

	// providerTimeout bounds every outbound call to WeChat.
	providerTimeout = 10 * time.Second
)

// WeChatProvider implements [Provider] against the WeChat open platform.
type WeChatProvider struct {
	appID       string
	secret      string
	redirectURL string
	platform    string

	// Endpoint overrides for tests.
	QRAuthorizeURL string
	MPAuthorizeURL string
	APIBaseURL     string

	httpClient *http.Client
}

// NewWeChatProvider constructs a WeChat [Provider].
//
// # Parameters
//   - appID, secret: credentials issued by the WeChat open platform.
//   - redirectURL: where WeChat sends the browser back with code and state.
//   - platform: [PlatformQR] or [PlatformMP].
func NewWeChatProvider(appID, secret, redirectURL, platform string) *WeChatProvider {
	return &WeChatProvider{
		appID:       appID,
		secret:      secret,
		redirectURL: redirectURL,
		platform:    platform,

		QRAuthorizeURL: defaultQRAuthorizeURL,
		MPAuthorizeURL: defaultMPAuthorizeURL,
		APIBaseURL:     defaultAPIBaseURL,

		httpClient: &http.Client{Timeout: providerTimeout},
	}
}

// Name implements [Provider].
func (provider *WeChatProvider) Name() string { return "wechat" }

// AuthorizeURL builds the browser redirect target for the configured platform.
//
// # Format
//
// WeChat requires the query parameters in a fixed order and the literal
// `#wechat_redirect` fragment at the end; their gateway rejects the URL
// without it.
func (provider *WeChatProvider) AuthorizeURL(state string) (string, error) {
	var baseURL, scope string

	switch provider.platform {
	case PlatformQR:
		baseURL, scope = provider.QRAuthorizeURL, "snsapi_login"
	case PlatformMP:
		baseURL, scope = provider.MPAuthorizeURL, "snsapi_userinfo"
	default:
		return "", fmt.Errorf("link: unknown wechat platform %q", provider.platform)
	}

	return fmt.Sprintf(
		"%s?appid=%s&redirect_uri=%s&response_type=code&scope=%s&state=%s#wechat_redirect",
		baseURL,
		url.QueryEscape(provider.appID),
		url.QueryEscape(provider.redirectURL),
		scope,
		url.QueryEscape(state),
	), nil
}

// wechatTokenResponse is the exchange endpoint's payload. WeChat reports
// failures with HTTP 200 and an errcode in the body.
type wechatTokenResponse struct {
	AccessToken string `json:"access_token"`
	OpenID      string `json:"openid"`
	UnionID     string `json:"unionid"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// Exchange trades the authorization code for the member's WeChat identity.
func (provider *WeChatProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	exchangeURL := fmt.Sprintf(
		"%s/sns/oauth2/access_token?appid=%s&secret=%s&code=%s&grant_type=authorization_code",
		provider.APIBaseURL,
		url.QueryEscape(provider.appID),
		url.QueryEscape(provider.secret),
		url.QueryEscape(code),
	)

	var payload wechatTokenResponse
	if err := provider.getJSON(ctx, exchangeURL, &payload); err != nil {
		return nil, apperr.Provider("Identity provider is unavailable", err)
	}

	if payload.ErrCode != 0 || payload.OpenID == "" {
		return nil, apperr.Provider(
			"Identity provider rejected the login code",
			fmt.Errorf("link: wechat exchange failed: errcode=%d errmsg=%s", payload.ErrCode, payload.ErrMsg),
		)
	}

	return &Identity{
		OpenID:      payload.OpenID,
		UnionID:     payload.UnionID,
		AccessToken: payload.AccessToken,
	}, nil
}

// wechatUserInfoResponse is the profile endpoint's payload.
type wechatUserInfoResponse struct {
	Nickname   string `json:"nickname"`
	HeadImgURL string `json:"headimgurl"`
	UnionID    string `json:"unionid"`
	ErrCode    int    `json:"errcode"`
	ErrMsg     string `json:"errmsg"`
}

// FetchProfile retrieves the member's nickname and avatar.
func (provider *WeChatProvider) FetchProfile(ctx context.Context, accessToken, openID string) (*Profile, error) {
	profileURL := fmt.Sprintf(
		"%s/sns/userinfo?access_token=%s&openid=%s&lang=zh_CN",
		provider.APIBaseURL,
		url.QueryEscape(accessToken),
		url.QueryEscape(openID),
	)

	var payload wechatUserInfoResponse
	if err := provider.getJSON(ctx, profileURL, &payload); err != nil {
		return nil, apperr.Provider("Identity provider is unavailable", err)
	}

	if payload.ErrCode != 0 {
		return nil, apperr.Provider(
			"Identity provider rejected the profile request",
			fmt.Errorf("link: wechat userinfo failed: errcode=%d errmsg=%s", payload.ErrCode, payload.ErrMsg),
		)
	}

	profile := &Profile{}
	if payload.Nickname != "" {
		profile.Nickname = &payload.Nickname
	}
	if payload.HeadImgURL != "" {
		profile.AvatarURL = &payload.HeadImgURL
	}

	return profile, nil
}

// getJSON performs a GET request and decodes the JSON body.
func (provider *WeChatProvider) getJSON(ctx context.Context, rawURL string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("link: failed to build provider request: %w", err)
	}

	response, err := provider.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("link: provider request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("link: provider returned HTTP %d", response.StatusCode)
	}

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("link: failed to decode provider response: %w", err)
	}

	return nil
}
