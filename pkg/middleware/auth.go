package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"moodchat/pkg/auth"
)

// AuthMiddleware 认证中间件
type AuthMiddleware struct {
	logger    kratoslog.Logger
	jwtConfig *auth.JWTConfig
	// 免认证路径前缀
	skipPaths []string
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(logger kratoslog.Logger, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		logger:    logger,
		jwtConfig: auth.NewJWTConfig(jwtSecret),
		skipPaths: []string{"/health", "/api/v1/connect/ws"},
	}
}

// GinAuth Gin认证中间件
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range am.skipPaths {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少认证 token"})
			return
		}

		claims, err := auth.ParseToken(token, am.jwtConfig)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Token validation failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效认证 token"})
			return
		}

		if userID, ok := claims["user_id"].(float64); ok {
			c.Set("userID", int64(userID))
		}
		c.Next()
	}
}
