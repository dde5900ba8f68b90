package model

import (
	"time"
)

// User 发布身份，同时持有 Google 凭据
type User struct {
	ID                string     `json:"id" gorm:"primaryKey;size:36"`
	Email             string     `json:"email" gorm:"size:255"`
	Name              string     `json:"name" gorm:"size:255"`
	AvatarURL         string     `json:"avatar_url" gorm:"type:text"`
	GoogleID          string     `json:"-" gorm:"size:64;uniqueIndex;not null"`
	AccessToken       string     `json:"-" gorm:"type:text"`
	RefreshToken      string     `json:"-" gorm:"type:text"`
	AccessTokenExpiry *time.Time `json:"-"`
	ChannelID         string     `json:"channel_id" gorm:"size:64"`
	ChannelTitle      string     `json:"channel_title" gorm:"size:255"`
	LastLoginAt       *time.Time `json:"last_login_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// HasAccessToken 是否持有访问令牌
func (u *User) HasAccessToken() bool {
	return u.AccessToken != ""
}

// IsTokenExpired 访问令牌在 now 时刻是否已过期；未记录过期时间视为未过期
func (u *User) IsTokenExpired(now time.Time) bool {
	if u.AccessTokenExpiry == nil {
		return false
	}
	return !u.AccessTokenExpiry.After(now)
}

// ExpiresWithin 访问令牌是否会在 window 内过期
func (u *User) ExpiresWithin(now time.Time, window time.Duration) bool {
	if u.AccessTokenExpiry == nil {
		return false
	}
	return !u.AccessTokenExpiry.After(now.Add(window))
}

// UpdateTokens 更新令牌，refreshToken 为空时保留原刷新令牌
func (u *User) UpdateTokens(accessToken, refreshToken string, expiry time.Time) {
	u.AccessToken = accessToken
	if refreshToken != "" {
		u.RefreshToken = refreshToken
	}
	expiry = expiry.UTC()
	u.AccessTokenExpiry = &expiry
}
