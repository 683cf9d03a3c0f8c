// Copyright (c) 2026 LabGate. All rights reserved.

package link_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labgate/labgate/internal/link"
	"github.com/labgate/labgate/internal/platform/apperr"
)

/*
TestWeChatProvider_AuthorizeURL verifies per-platform endpoint and scope
selection, and the mandatory trailing fragment.
*/
func TestWeChatProvider_AuthorizeURL(t *testing.T) {
	tests := []struct {
		name         string
		platform     string
		wantContains []string
	}{
		{
			name:     "qr_web_login",
			platform: link.PlatformQR,
			wantContains: []string{
				"open.weixin.qq.com/connect/qrconnect",
				"scope=snsapi_login",
			},
		},
		{
			name:     "mp_official_account",
			platform: link.PlatformMP,
			wantContains: []string{
				"open.weixin.qq.com/connect/oauth2/authorize",
				"scope=snsapi_userinfo",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := link.NewWeChatProvider("app-id", "app-secret", "https://labgate.app/cb", tt.platform)

			authorizeURL, err := provider.AuthorizeURL("state-123")
			require.NoError(t, err)

			for _, fragment := range tt.wantContains {
				assert.Contains(t, authorizeURL, fragment)
			}
			assert.Contains(t, authorizeURL, "appid=app-id")
			assert.Contains(t, authorizeURL, "state=state-123")
			assert.True(t, strings.HasSuffix(authorizeURL, "#wechat_redirect"),
				"the gateway rejects authorize URLs without the fragment")
		})
	}
}

/*
TestWeChatProvider_AuthorizeURL_UnknownPlatform verifies the platform guard.
*/
func TestWeChatProvider_AuthorizeURL_UnknownPlatform(t *testing.T) {
	provider := link.NewWeChatProvider("app-id", "app-secret", "https://labgate.app/cb", "sms")

	_, err := provider.AuthorizeURL("state-123")
	assert.Error(t, err)
}

/*
TestWeChatProvider_Exchange verifies the code exchange against a stub server,
including WeChat's HTTP-200-with-errcode failure convention.
*/
func TestWeChatProvider_Exchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/sns/oauth2/access_token", request.URL.Path)

		query := request.URL.Query()
		require.Equal(t, "app-id", query.Get("appid"))
		require.Equal(t, "authorization_code", query.Get("grant_type"))

		switch query.Get("code") {
		case "good-code":
			fmt.Fprint(writer, `{"access_token":"at-1","openid":"openid-1","unionid":"unionid-1"}`)
		default:
			// WeChat reports errors with HTTP 200 and an errcode body.
			fmt.Fprint(writer, `{"errcode":40029,"errmsg":"invalid code"}`)
		}
	}))
	defer server.Close()

	provider := link.NewWeChatProvider("app-id", "app-secret", "https://labgate.app/cb", link.PlatformQR)
	provider.APIBaseURL = server.URL

	identity, err := provider.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "openid-1", identity.OpenID)
	assert.Equal(t, "unionid-1", identity.UnionID)
	assert.Equal(t, "at-1", identity.AccessToken)

	_, err = provider.Exchange(context.Background(), "bad-code")
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, "PROVIDER_ERROR", ae.Code)
	assert.Equal(t, http.StatusBadGateway, ae.HTTPStatus)
}

/*
TestWeChatProvider_Exchange_Unreachable verifies that transport failures are
classified as provider errors.
*/
func TestWeChatProvider_Exchange_Unreachable(t *testing.T) {
	provider := link.NewWeChatProvider("app-id", "app-secret", "https://labgate.app/cb", link.PlatformQR)
	// A closed server: connection refused.
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	provider.APIBaseURL = server.URL

	_, err := provider.Exchange(context.Background(), "any-code")
	require.Error(t, err)
	assert.Equal(t, "PROVIDER_ERROR", apperr.As(err).Code)
}

/*
TestWeChatProvider_FetchProfile verifies profile retrieval and empty-field
handling.
*/
func TestWeChatProvider_FetchProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/sns/userinfo", request.URL.Path)

		switch request.URL.Query().Get("access_token") {
		case "at-full":
			fmt.Fprint(writer, `{"nickname":"小明","headimgurl":"https://img.example/1.png"}`)
		case "at-empty":
			fmt.Fprint(writer, `{"nickname":"","headimgurl":""}`)
		default:
			fmt.Fprint(writer, `{"errcode":40001,"errmsg":"invalid token"}`)
		}
	}))
	defer server.Close()

	provider := link.NewWeChatProvider("app-id", "app-secret", "https://labgate.app/cb", link.PlatformQR)
	provider.APIBaseURL = server.URL

	profile, err := provider.FetchProfile(context.Background(), "at-full", "openid-1")
	require.NoError(t, err)
	require.NotNil(t, profile.Nickname)
	assert.Equal(t, "小明", *profile.Nickname)
	require.NotNil(t, profile.AvatarURL)
	assert.Equal(t, "https://img.example/1.png", *profile.AvatarURL)

	// Empty provider fields come back as nil pointers (COALESCE keeps the
	// stored values).
	profile, err = provider.FetchProfile(context.Background(), "at-empty", "openid-1")
	require.NoError(t, err)
	assert.Nil(t, profile.Nickname)
	assert.Nil(t, profile.AvatarURL)

	_, err = provider.FetchProfile(context.Background(), "at-bad", "openid-1")
	require.Error(t, err)
	assert.Equal(t, "PROVIDER_ERROR", apperr.As(err).Code)
}
