package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// DbField 上下文中的数据库句柄键
const DbField = "db"

// InjectDB 把全局数据库句柄注入请求上下文
func InjectDB(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(DbField, db)
		c.Next()
	}
}

// IdentityMiddleware 从请求头解析调用者身份。
// 网关层已完成鉴权，这里只透传 X-User-ID；没有身份的请求照常放行，
// 需要身份的接口各自校验。
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID != "" {
			c.Set("user_id", userID)
		}
		c.Next()
	}
}
