package handlers

import (
	"net/http"

	"HibiscusTrack/pkg/response"

	"github.com/gin-gonic/gin"
)

// handleSessionRoute 会话内某个跑者的重建轨迹。
// 轨迹按"离群剔除 + 滑动平均 + 抽稀"后返回，附带折线编码。
func (h *Handlers) handleSessionRoute(c *gin.Context) {
	sessionID := c.Param("session_id")
	userID := c.DefaultQuery("user_id", currentUser(c))
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id is empty"})
		return
	}

	r, err := h.reconstructor.SessionRoute(c.Request.Context(), sessionID, userID)
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", r)
}

// handleSoloRoute 单人跑的重建轨迹
func (h *Handlers) handleSoloRoute(c *gin.Context) {
	soloRunID := c.Param("solo_run_id")

	r, err := h.reconstructor.SoloRoute(c.Request.Context(), soloRunID)
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", r)
}

// handleSessionExport 导出会话轨迹为 GeoJSON，落对象存储后返回访问地址
func (h *Handlers) handleSessionExport(c *gin.Context) {
	sessionID := c.Param("session_id")
	userID := c.DefaultQuery("user_id", currentUser(c))
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id is empty"})
		return
	}

	url, err := h.exporter.ExportSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", gin.H{"url": url})
}

// handleSoloExport 导出单人跑轨迹
func (h *Handlers) handleSoloExport(c *gin.Context) {
	url, err := h.exporter.ExportSolo(c.Request.Context(), c.Param("solo_run_id"))
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", gin.H{"url": url})
}

// handleSessionStats 会话内累计里程与时长，来自摄入时的原子累加
func (h *Handlers) handleSessionStats(c *gin.Context) {
	sessionID := c.Param("session_id")
	userID := c.DefaultQuery("user_id", currentUser(c))
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id is empty"})
		return
	}

	meters, duration := h.pipeline.SessionStats(c.Request.Context(), sessionID, userID)
	response.Success(c, "success", gin.H{
		"session_id":       sessionID,
		"user_id":          userID,
		"distance_meters":  meters,
		"duration_seconds": duration.Seconds(),
	})
}
