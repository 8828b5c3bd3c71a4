package security

import (
	"net/http"
	"strings"

	"BizChat/global/config"
	errs "BizChat/tools/errs"
	sec "BizChat/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 后续 handler 统一用这俩 key 读取
const (
	CtxIdentityKey = "identity" // *sec.Identity
	CtxUserIDKey   = "userId"   // int64
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true，兼容 Authorization: Bearer xxx
	// 也允许从 query 取（websocket 升级请求带不了自定义 header）
	QueryToken string // 默认 "token"
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
		QueryToken:                "token",
	}
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		if token == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if token == "" && opts.QueryToken != "" {
			token = strings.TrimSpace(c.Query(opts.QueryToken))
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
			return
		}

		id, err := sec.Verify(sec.DefaultOptions(config.GetJwtSecret()), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid.WithDetail(err.Error()))
			return
		}

		c.Set(CtxIdentityKey, id)
		c.Set(CtxUserIDKey, id.UserID)
		c.Next()
	}
}

// IdentityFrom 从 gin context 取出校验过的身份；未经过中间件时返回 nil。
func IdentityFrom(c *gin.Context) *sec.Identity {
	v, ok := c.Get(CtxIdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*sec.Identity)
	return id
}
