package service

import (
	"auto-upload/app/logger"
	"auto-upload/app/model"
	"auto-upload/app/utils/youtubehelper"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserService 用户登录与查询
type UserService struct {
	db     *gorm.DB
	logger *logger.Logger
	now    func() time.Time
}

// NewUserService 创建用户服务
func NewUserService(db *gorm.DB, log *logger.Logger) *UserService {
	return &UserService{
		db:     db,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UpsertGoogleUser 按 Google ID 创建或更新用户，并写入本次登录获得的令牌
func (s *UserService) UpsertGoogleUser(ctx context.Context, info *youtubehelper.UserInfo, tok *youtubehelper.TokenResponse) (*model.User, error) {
	if info == nil || info.ID == "" {
		return nil, errors.New("google user id is empty")
	}

	now := s.now()
	var user model.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("google_id = ?", info.ID).First(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = model.User{
				ID:        uuid.NewString(),
				GoogleID:  info.ID,
				Email:     info.Email,
				Name:      info.Name,
				AvatarURL: info.Picture,
			}
		case err != nil:
			return err
		}

		// Google 只在首次授权时返回 refresh_token，没有时保留原值
		user.UpdateTokens(tok.AccessToken, tok.RefreshToken, tok.Expiry(now))
		user.LastLoginAt = &now
		return tx.Save(&user).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert google user %s: %w", info.ID, err)
	}

	s.logger.Info("用户登录成功", logger.UserID(user.ID))
	return &user, nil
}

// Get 按ID获取用户
func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}
