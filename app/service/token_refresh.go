package service

import (
	"auto-upload/app/logger"
	"auto-upload/app/metrics"
	"auto-upload/app/model"
	"auto-upload/app/utils/keylock"
	"auto-upload/app/utils/youtubehelper"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CredentialStore 用户凭据的读写
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*model.User, error)
	UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiry time.Time) error
	ListExpiring(ctx context.Context, before time.Time) ([]model.User, error)
}

// TokenProvider 用刷新令牌换取新访问令牌的外部提供方
type TokenProvider interface {
	Refresh(ctx context.Context, refreshToken string) (*youtubehelper.TokenResponse, error)
}

// GormCredentialStore 基于 gorm 的凭据存储
type GormCredentialStore struct {
	db *gorm.DB
}

// NewCredentialStore 创建凭据存储
func NewCredentialStore(db *gorm.DB) *GormCredentialStore {
	return &GormCredentialStore{db: db}
}

// Get 按用户ID读取凭据
func (s *GormCredentialStore) Get(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// UpdateTokens 在一条语句中同时更新访问令牌与过期时间
func (s *GormCredentialStore) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiry time.Time) error {
	updates := map[string]any{
		"access_token":        accessToken,
		"access_token_expiry": expiry.UTC(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}

	result := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// ListExpiring 列出持有刷新令牌且访问令牌在 before 之前过期的用户
func (s *GormCredentialStore) ListExpiring(ctx context.Context, before time.Time) ([]model.User, error) {
	var users []model.User
	err := s.db.WithContext(ctx).
		Where("refresh_token <> '' AND access_token_expiry IS NOT NULL AND access_token_expiry <= ?", before.UTC()).
		Find(&users).Error
	return users, err
}

// TokenRefreshService 令牌刷新服务
//
// 同一用户的刷新串行执行；拿到锁后重新读取凭据，若已被其他调用刷新则直接返回。
type TokenRefreshService struct {
	store         CredentialStore
	provider      TokenProvider
	logger        *logger.Logger
	locks         *keylock.KeyLock
	timeout       time.Duration
	refreshBefore time.Duration
	now           func() time.Time
}

// NewTokenRefreshService 创建令牌刷新服务
func NewTokenRefreshService(store CredentialStore, provider TokenProvider, log *logger.Logger, timeout, refreshBefore time.Duration) *TokenRefreshService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenRefreshService{
		store:         store,
		provider:      provider,
		logger:        log,
		locks:         keylock.New(),
		timeout:       timeout,
		refreshBefore: refreshBefore,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Refresh 刷新 cred 的访问令牌，成功时新令牌已持久化
func (s *TokenRefreshService) Refresh(ctx context.Context, cred *model.User) (*model.User, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential: %w", ErrNotFound)
	}
	if cred.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues("no_refresh_token").Inc()
		return nil, ErrNoRefreshToken
	}

	unlock := s.locks.Lock(cred.ID)
	defer unlock()

	current, err := s.store.Get(ctx, cred.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if current.AccessToken != cred.AccessToken && current.HasAccessToken() && !current.IsTokenExpired(now) {
		s.logger.Debug("令牌已被并发刷新，跳过", logger.UserID(cred.ID))
		metrics.TokenRefreshes.WithLabelValues("skipped").Inc()
		return current, nil
	}
	if current.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues("no_refresh_token").Inc()
		return nil, ErrNoRefreshToken
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("开始刷新访问令牌", logger.UserID(cred.ID))
	tok, err := s.provider.Refresh(rctx, current.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		s.logger.Error("刷新访问令牌失败", logger.UserID(cred.ID), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) || rctx.Err() == context.DeadlineExceeded {
			return nil, &RefreshFailedError{Detail: "token request timed out", Err: err}
		}
		return nil, &RefreshFailedError{Detail: err.Error(), Err: err}
	}

	expiry := tok.Expiry(s.now())
	if err := s.store.UpdateTokens(ctx, cred.ID, tok.AccessToken, tok.RefreshToken, expiry); err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	current.UpdateTokens(tok.AccessToken, tok.RefreshToken, expiry)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	s.logger.Info("成功刷新访问令牌", logger.UserID(cred.ID), zap.Time("expiry", expiry))
	return current, nil
}

// RefreshExpiring 主动刷新即将过期的令牌，失败只记录日志；返回成功刷新数量
func (s *TokenRefreshService) RefreshExpiring(ctx context.Context) int {
	users, err := s.store.ListExpiring(ctx, s.now().Add(s.refreshBefore))
	if err != nil {
		s.logger.Errorf("查询即将过期的凭据失败: %v", err)
		return 0
	}

	s.logger.Debugf("检查到 %d 个即将过期的凭据", len(users))

	refreshCount := 0
	for i := range users {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Refresh(ctx, &users[i]); err != nil {
			s.logger.Warn("主动刷新令牌失败", logger.UserID(users[i].ID), zap.Error(err))
			continue
		}
		refreshCount++
	}

	if refreshCount > 0 {
		s.logger.Infof("本次检查刷新了 %d 个凭据", refreshCount)
	}
	return refreshCount
}
