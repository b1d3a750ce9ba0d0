package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/token-hopper/internal/config"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/utils"
)

// APIKeyHeader 鉴权请求头
const APIKeyHeader = "X-API-Key"

// APIKeyAuth 共享密钥认证中间件
// 密钥每次请求时读取，配置热加载后立即生效
type APIKeyAuth struct {
	security func() config.SecurityConfig
}

// NewAPIKeyAuth 创建认证中间件
func NewAPIKeyAuth(security func() config.SecurityConfig) *APIKeyAuth {
	return &APIKeyAuth{security: security}
}

// StaticKey 固定密钥
func StaticKey(key string) func() config.SecurityConfig {
	return func() config.SecurityConfig {
		return config.SecurityConfig{APIKey: key}
	}
}

// RequireKey 只接受请求头中的密钥
func (m *APIKeyAuth) RequireKey() gin.HandlerFunc {
	return m.handler(false)
}

// RequireKeyOrQuery 额外接受 api_key 查询参数（浏览器 WebSocket 无法自定义请求头）
func (m *APIKeyAuth) RequireKeyOrQuery() gin.HandlerFunc {
	return m.handler(true)
}

func (m *APIKeyAuth) handler(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if key == "" && allowQuery {
			key = c.Query("api_key")
		}

		if key == "" || !m.Verify(key) {
			RespondError(c, errors.New(errors.ErrAuthentication, "unauthorized"), nil)
			return
		}
		c.Next()
	}
}

// Verify 校验密钥，配置了哈希（argon2id 或 bcrypt）时优先使用哈希
func (m *APIKeyAuth) Verify(key string) bool {
	sec := m.security()
	if sec.APIKeyHash != "" {
		ok, err := utils.VerifyKey(key, sec.APIKeyHash)
		return err == nil && ok
	}
	if sec.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sec.APIKey), []byte(key)) == 1
}
