package auth

import (
	"auto-upload/app/config"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims JWT声明结构
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	GoogleID string `json:"google_id"`
	jwt.RegisteredClaims
}

// JWTService JWT服务
type JWTService struct {
	config *config.Config
	now    func() time.Time
}

// NewJWTService 创建JWT服务
func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{
		config: cfg,
		now:    time.Now,
	}
}

// GenerateToken 生成JWT令牌
func (j *JWTService) GenerateToken(userID, email, googleID string) (string, error) {
	now := j.now()
	claims := Claims{
		UserID:   userID,
		Email:    email,
		GoogleID: googleID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ExpireDuration())),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.config.JWT.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.config.JWT.Secret))
}

// ExpireDuration 令牌有效期
func (j *JWTService) ExpireDuration() time.Duration {
	return time.Duration(j.config.JWT.ExpireTime) * time.Hour
}

// ValidateToken 验证JWT令牌
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	return j.parse(tokenString)
}

// RefreshToken 用旧令牌换新令牌，只校验签名，允许已过期的令牌
func (j *JWTService) RefreshToken(tokenString string) (string, *Claims, error) {
	claims, err := j.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", nil, err
	}
	if claims.UserID == "" {
		return "", nil, errors.New("invalid token")
	}

	token, err := j.GenerateToken(claims.UserID, claims.Email, claims.GoogleID)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

func (j *JWTService) parse(tokenString string, opts ...jwt.ParserOption) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(j.config.JWT.Secret), nil
	}, opts...)

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
