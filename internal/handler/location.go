package handlers

import (
	"net/http"
	"time"

	"HibiscusTrack/internal/ingest"
	"HibiscusTrack/pkg/response"

	"github.com/gin-gonic/gin"
)

// handleIngestSample 单条位置采样上报
func (h *Handlers) handleIngestSample(c *gin.Context) {
	var in ingest.SampleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.pipeline.Ingest(c.Request.Context(), &in)
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", result)
}

// handleIngestBatch 批量上报（离线补传）。单条失败不影响其余，
// 始终返回 processed / errors 统计。
func (h *Handlers) handleIngestBatch(c *gin.Context) {
	var req struct {
		Samples []*ingest.SampleInput `json:"samples" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.pipeline.IngestBatch(c.Request.Context(), req.Samples)
	response.Success(c, "success", result)
}

type heartbeatRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	Battery *int   `json:"battery,omitempty"`
}

// handleHeartbeat 无位移心跳，只刷新在线判定
func (h *Handlers) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.detector.Heartbeat(c.Request.Context(), req.UserID, req.Battery, time.Now()); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}
