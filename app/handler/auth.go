package handler

import (
	"auto-upload/app/auth"
	"auto-upload/app/logger"
	"auto-upload/app/middleware"
	"auto-upload/app/model"
	"auto-upload/app/utils/youtubehelper"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// OAuthProvider Google 授权流程
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*youtubehelper.TokenResponse, error)
	UserInfo(ctx context.Context, accessToken string) (*youtubehelper.UserInfo, error)
}

// UserStore 用户登录与查询
type UserStore interface {
	UpsertGoogleUser(ctx context.Context, info *youtubehelper.UserInfo, tok *youtubehelper.TokenResponse) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
}

// AuthHandler 认证处理器
type AuthHandler struct {
	jwtService *auth.JWTService
	oauth      OAuthProvider
	users      UserStore
	logger     *logger.Logger
	states     *cache.Cache // 授权 state，防止 CSRF
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtService *auth.JWTService, oauth OAuthProvider, users UserStore, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		jwtService: jwtService,
		oauth:      oauth,
		users:      users,
		logger:     log,
		states:     cache.New(15*time.Minute, 30*time.Minute),
	}
}

// GoogleCallbackRequest 授权回调请求
type GoogleCallbackRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	Token string `json:"token" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string      `json:"token"`
	User     *model.User `json:"user"`
	ExpireAt int64       `json:"expire_at"`
}

// GoogleLogin 返回 Google 授权地址
func (h *AuthHandler) GoogleLogin(c *gin.Context) {
	state := uuid.NewString()
	h.states.SetDefault(state, struct{}{})

	success(c, gin.H{
		"auth_url": h.oauth.AuthCodeURL(state),
		"state":    state,
	}, "success")
}

// GoogleCallback 用授权码换取令牌并登录
func (h *AuthHandler) GoogleCallback(c *gin.Context) {
	var req GoogleCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	if _, ok := h.states.Get(req.State); !ok {
		fail(c, http.StatusBadRequest, "state 无效或已过期")
		return
	}
	h.states.Delete(req.State)

	ctx := c.Request.Context()
	tok, err := h.oauth.Exchange(ctx, req.Code)
	if err != nil {
		h.logger.Warn("授权码换取令牌失败", zap.Error(err))
		fail(c, http.StatusBadRequest, "Failed to exchange code for token")
		return
	}

	info, err := h.oauth.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		h.logger.Warn("获取 Google 用户信息失败", zap.Error(err))
		fail(c, http.StatusBadRequest, "Failed to fetch user info from Google")
		return
	}

	user, err := h.users.UpsertGoogleUser(ctx, info, tok)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	token, err := h.jwtService.GenerateToken(user.ID, user.Email, user.GoogleID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	success(c, LoginResponse{
		Token:    token,
		User:     user,
		ExpireAt: time.Now().Add(h.jwtService.ExpireDuration()).Unix(),
	}, "登录成功")
}

// RefreshToken 用旧令牌换取新令牌，旧令牌可以已过期
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	newToken, claims, err := h.jwtService.RefreshToken(req.Token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "Invalid token")
		return
	}

	if _, err := h.users.Get(c.Request.Context(), claims.UserID); err != nil {
		fail(c, http.StatusUnauthorized, "User not found")
		return
	}

	success(c, gin.H{
		"token":     newToken,
		"expire_at": time.Now().Add(h.jwtService.ExpireDuration()).Unix(),
	}, "刷新成功")
}

// Logout 无状态令牌，客户端丢弃即可
func (h *AuthHandler) Logout(c *gin.Context) {
	success(c, nil, "Logged out successfully")
}

// Me 获取当前用户信息
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "未认证")
		return
	}

	user, err := h.users.Get(c.Request.Context(), userID)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}

	success(c, user, "success")
}
