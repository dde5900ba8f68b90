package middleware

import (
	"auto-upload/app/auth"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// 上下文中的用户信息键
const (
	ContextUserID = "user_id"
	ContextEmail  = "email"
)

// JWTAuth JWT认证中间件
func JWTAuth(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		// 检查Bearer前缀
		token, ok := BearerToken(authHeader)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header format must be Bearer {token}",
			})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Invalid token: " + err.Error(),
			})
			c.Abort()
			return
		}

		// 将用户信息存储到上下文中
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextEmail, claims.Email)
		c.Next()
	}
}

// BearerToken 从 Authorization 头中取出令牌
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// CurrentUserID 当前请求的用户ID
func CurrentUserID(c *gin.Context) (string, bool) {
	userID := c.GetString(ContextUserID)
	return userID, userID != ""
}
