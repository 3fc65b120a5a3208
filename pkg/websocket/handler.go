package websocket

import (
	"net/http"
	"time"

	"HibiscusTrack/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handler WebSocket HTTP处理器
type Handler struct {
	hub *Hub
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
	}
}

// RegisterRoutes 统一注册路由
func RegisterRoutes(r *gin.Engine, handler *Handler) {
	r.GET(RouteWebSocket, handler.HandleWebSocket)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// HandleWebSocket 处理WebSocket连接请求。
// 认证中间件把 user_id 放进上下文；session_id 走查询参数，非空时直接入房间。
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		logger.Error("未认证的用户")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未认证的用户"})
		return
	}

	userIDStr, ok := userID.(string)
	if !ok || userIDStr == "" {
		logger.Error("无效的用户ID")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "无效的用户ID"})
		return
	}

	HandleWebSocket(h.hub, c.Writer, c.Request, userIDStr, c.Query("session_id"))
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := gin.H{
		"total_connections":   h.hub.GetConnectionCount(),
		"max_connections":     h.hub.config.MaxConnections,
		"heartbeat_interval":  h.hub.config.HeartbeatInterval.String(),
		"connection_timeout":  h.hub.config.ConnectionTimeout.String(),
		"message_buffer_size": h.hub.config.MessageBufferSize,
		"enable_compression":  h.hub.config.EnableCompression,
		"message_queue_size":  h.hub.config.MessageQueueSize,
		"read_buffer_size":    h.hub.config.ReadBufferSize,
		"write_buffer_size":   h.hub.config.WriteBufferSize,
		"max_message_size":    h.hub.config.MaxMessageSize,
		"shard_count":         h.hub.config.ShardCount,
		"broadcast_workers":   h.hub.config.BroadcastWorkerCount,
		"drop_on_full":        h.hub.config.DropOnFull,
		"compression_level":   h.hub.config.CompressionLevel,
	}

	c.JSON(http.StatusOK, stats)
}

// GetUserStats 获取特定用户的连接统计
func (h *Handler) GetUserStats(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "用户ID不能为空"})
		return
	}

	connectionCount := h.hub.GetUserConnections(userID)
	stats := gin.H{
		"user_id":          userID,
		"connection_count": connectionCount,
		"max_connections":  h.hub.config.MaxConnections,
	}

	c.JSON(http.StatusOK, stats)
}

// GetSessionStats 获取会话房间的连接统计
func (h *Handler) GetSessionStats(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "会话ID不能为空"})
		return
	}

	connectionCount := h.hub.GetSessionConnections(sessionID)
	stats := gin.H{
		"session_id":       sessionID,
		"connection_count": connectionCount,
		"max_connections":  h.hub.config.MaxConnections,
	}

	c.JSON(http.StatusOK, stats)
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	// 检查Hub是否正常运行
	if h.hub.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"error":   "WebSocket Hub已关闭",
			"details": h.hub.ctx.Err().Error(),
		})
		return
	}

	// 检查连接数是否正常
	totalConnections := h.hub.GetConnectionCount()
	maxConnections := h.hub.config.MaxConnections

	status := "healthy"
	if totalConnections >= maxConnections*9/10 { // 90%以上认为警告
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": totalConnections,
		"max_connections":   maxConnections,
		"connection_usage":  float64(totalConnections) / float64(maxConnections) * 100,
		"hub_running":       true,
		"timestamp":         time.Now().Unix(),
	})
}
