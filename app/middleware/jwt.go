package middleware

import (
	"net/http"
	"strings"

	"print-studio/app/auth"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// JWTAuth JWT认证中间件
func JWTAuth(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header format must be Bearer {token}",
				"data":    nil,
			})
			return
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Invalid token: " + err.Error(),
				"data":    nil,
			})
			return
		}

		// 将用户信息存储到上下文中
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

// OptionalJWTAuth 可选的JWT认证中间件（不强制要求token）
func OptionalJWTAuth(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := jwtService.ValidateToken(token); err == nil {
				c.Set(userIDKey, claims.UserID)
			}
		}
		c.Next()
	}
}

// CurrentUserID 读取当前请求的用户标识，未认证时返回空串
func CurrentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
