package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat_sync/pkg/jwt"
	"chat_sync/pkg/logger"
)

// UserIDKey - ключ gin.Context с идентификатором пользователя
const UserIDKey = "user_id"

type AuthMiddleware struct {
	secret string
	log    logger.Logger
}

func NewAuthMiddleware(secret string, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret: secret,
		log:    log,
	}
}

// RequireAuth принимает Bearer-токен из заголовка; для websocket из браузера
// допускается query-параметр access_token.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required", "code": "unauthorized"})
			return
		}

		claims, err := jwt.Parse(m.secret, token)
		if err != nil || claims.Identity() == "" {
			m.log.Debug("Rejected token", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "code": "unauthorized"})
			return
		}

		c.Set(UserIDKey, claims.Identity())
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// UserID возвращает пользователя, установленного RequireAuth
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
