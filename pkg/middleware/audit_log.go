package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuditLog 敏感操作审计记录。SOS 类接口全量落库，事后追溯误报与升级时间线。
type AuditLog struct {
	ID            int64     `gorm:"primaryKey;autoIncrement;not null" json:"id"`
	UserID        string    `gorm:"index;size:36" json:"user_id"`
	Action        string    `gorm:"not null;size:16" json:"action"`  // HTTP 方法
	Target        string    `gorm:"not null;size:128" json:"target"` // API 路径
	IPAddress     string    `gorm:"size:64" json:"ip_address"`
	UserAgent     string    `gorm:"size:256" json:"user_agent"`
	StatusCode    int       `json:"status_code"`
	LatencyMillis int64     `json:"latency_millis"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// AuditLogMiddleware 记录请求审计日志，响应完成后异步落库
func AuditLogMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := AuditLog{
			Action:        c.Request.Method,
			Target:        c.Request.URL.Path,
			IPAddress:     c.ClientIP(),
			UserAgent:     c.GetHeader("User-Agent"),
			StatusCode:    c.Writer.Status(),
			LatencyMillis: time.Since(start).Milliseconds(),
		}
		if v, ok := c.Get("user_id"); ok {
			if s, ok := v.(string); ok {
				entry.UserID = s
			}
		}

		// 审计失败不影响业务响应
		go func() {
			_ = db.Create(&entry).Error
		}()
	}
}
