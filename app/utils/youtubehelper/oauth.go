package youtubehelper

import (
	"auto-upload/app/config"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"resty.dev/v3"
)

// TokenResponse 令牌端点的响应
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Expiry 根据 now 计算过期时间
func (t *TokenResponse) Expiry(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
}

// UserInfo Google 用户信息
type UserInfo struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// OAuthClient Google OAuth 客户端
type OAuthClient struct {
	config config.GoogleConfig
	client *resty.Client
}

// NewOAuthClient 创建 Google OAuth 客户端
func NewOAuthClient(cfg config.GoogleConfig) *OAuthClient {
	client := resty.New()
	client.SetTimeout(cfg.RefreshTimeout)

	return &OAuthClient{
		config: cfg,
		client: client,
	}
}

// Close 释放底层连接
func (o *OAuthClient) Close() error {
	return o.client.Close()
}

// AuthCodeURL 生成授权地址，access_type=offline 以获取刷新令牌
func (o *OAuthClient) AuthCodeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", o.config.ClientID)
	q.Set("redirect_uri", o.config.RedirectURI)
	q.Set("scope", "openid email profile https://www.googleapis.com/auth/youtube.upload")
	q.Set("response_type", "code")
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)
	return o.config.AuthURL + "?" + q.Encode()
}

// Exchange 用授权码换取令牌
func (o *OAuthClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	if code == "" {
		return nil, errors.New("authorization code is empty")
	}
	return o.token(ctx, map[string]string{
		"code":          code,
		"client_id":     o.config.ClientID,
		"client_secret": o.config.ClientSecret,
		"redirect_uri":  o.config.RedirectURI,
		"grant_type":    "authorization_code",
	})
}

// Refresh 用刷新令牌换取新的访问令牌
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is empty")
	}
	return o.token(ctx, map[string]string{
		"client_id":     o.config.ClientID,
		"client_secret": o.config.ClientSecret,
		"refresh_token": refreshToken,
		"grant_type":    "refresh_token",
	})
}

func (o *OAuthClient) token(ctx context.Context, form map[string]string) (*TokenResponse, error) {
	var tok TokenResponse
	res, err := o.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&tok).
		Post(o.config.TokenURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("token request timed out")
		}
		return nil, fmt.Errorf("token request failed: %w", err)
	}

	if res.IsError() {
		var oe oauthError
		if jsonErr := json.Unmarshal([]byte(res.String()), &oe); jsonErr == nil && oe.Error != "" {
			if oe.ErrorDescription != "" {
				return nil, fmt.Errorf("token endpoint returned %d: %s: %s", res.StatusCode(), oe.Error, oe.ErrorDescription)
			}
			return nil, fmt.Errorf("token endpoint returned %d: %s", res.StatusCode(), oe.Error)
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", res.StatusCode(), res.String())
	}

	if tok.AccessToken == "" {
		_ = json.Unmarshal([]byte(res.String()), &tok)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned an empty access token")
	}
	return &tok, nil
}

// UserInfo 获取当前用户信息
func (o *OAuthClient) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	var info UserInfo
	res, err := o.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&info).
		Get(o.config.UserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("userinfo endpoint returned %d: %s", res.StatusCode(), res.String())
	}
	if info.ID == "" {
		_ = json.Unmarshal([]byte(res.String()), &info)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("userinfo response has no id")
	}
	return &info, nil
}
