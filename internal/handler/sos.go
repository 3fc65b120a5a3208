package handlers

import (
	"net/http"
	"time"

	"HibiscusTrack/internal/eta"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/sos"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/response"

	"github.com/gin-gonic/gin"
)

// handleSosTrigger 触发 SOS。同一用户同时只允许一条未关闭警报。
func (h *Handlers) handleSosTrigger(c *gin.Context) {
	var in sos.TriggerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := h.coordinator.Trigger(c.Request.Context(), &in)
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", gin.H{
		"alert_id":     alert.ID,
		"status":       alert.Status,
		"triggered_at": alert.TriggeredAt,
	})
}

type verifyRequest struct {
	IsSafe bool `json:"is_safe"`
}

// handleSosVerify 受害者对"你还好吗"弹窗的应答。
// is_safe=true 收敛为误报；否则立即进入 ACTIVE。超时无应答按真实紧急处理。
func (h *Handlers) handleSosVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.coordinator.Verify(c.Request.Context(), c.Param("alert_id"), req.IsSafe); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}

// handleSosAcknowledge 受害者确认已知晓有人在路上
func (h *Handlers) handleSosAcknowledge(c *gin.Context) {
	if err := h.coordinator.Acknowledge(c.Request.Context(), c.Param("alert_id")); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}

// handleSosResolve 关闭警报，释放升级定时器与占用槽
func (h *Handlers) handleSosResolve(c *gin.Context) {
	if err := h.coordinator.Resolve(c.Request.Context(), c.Param("alert_id")); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}

// handleSosGet 警报详情。精确位置只给受害者本人，其他人只见模糊位置。
func (h *Handlers) handleSosGet(c *gin.Context) {
	alert, err := h.coordinator.Get(c.Request.Context(), c.Param("alert_id"))
	if err != nil {
		failWithError(c, err)
		return
	}

	body := gin.H{
		"alert_id":         alert.ID,
		"user_id":          alert.UserID,
		"session_id":       alert.SessionID,
		"trigger_type":     alert.TriggerType,
		"status":           alert.Status,
		"escalation_level": alert.EscalationLevel,
		"fuzzed_latitude":  alert.FuzzedLatitude,
		"fuzzed_longitude": alert.FuzzedLongitude,
		"battery":          alert.Battery,
		"triggered_at":     alert.TriggeredAt,
		"verified_at":      alert.VerifiedAt,
		"resolved_at":      alert.ResolvedAt,
	}
	if currentUser(c) == alert.UserID {
		body["latitude"] = alert.Latitude
		body["longitude"] = alert.Longitude
		body["notes"] = alert.Notes
	}
	response.Success(c, "success", body)
}

// handleSosResponders 警报的响应者名单
func (h *Handlers) handleSosResponders(c *gin.Context) {
	responders, err := h.matcher.Responders(c.Request.Context(), c.Param("alert_id"))
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", gin.H{"responders": responders, "count": len(responders)})
}

type responderAnswerRequest struct {
	Accepted bool `json:"accepted"`
}

// handleResponderAnswer 响应者接受或拒绝救援请求。
// 前几位接受者会收到精确位置，其余维持模糊位置。
func (h *Handlers) handleResponderAnswer(c *gin.Context) {
	responderID := currentUser(c)
	if responderID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	var req responderAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.matcher.Acknowledge(c.Request.Context(), c.Param("alert_id"), responderID, req.Accepted); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}

// handleResponderEnRoute 响应者出发
func (h *Handlers) handleResponderEnRoute(c *gin.Context) {
	responderID := currentUser(c)
	if responderID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	if err := h.matcher.MarkEnRoute(c.Request.Context(), c.Param("alert_id"), responderID); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}

// handleResponderArrived 响应者到场（距离阈值内）
func (h *Handlers) handleResponderArrived(c *gin.Context) {
	responderID := currentUser(c)
	if responderID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	if err := h.matcher.MarkArrived(c.Request.Context(), c.Param("alert_id"), responderID); err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", nil)
}

// handleResponderEta 基于响应者最新位置估算到达时间。
// 朝向与受害者方向的夹角决定有效速度与置信度。
func (h *Handlers) handleResponderEta(c *gin.Context) {
	responderID := currentUser(c)
	if responderID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	alert, err := h.coordinator.Get(c.Request.Context(), c.Param("alert_id"))
	if err != nil {
		failWithError(c, err)
		return
	}

	state, err := h.detector.Get(c.Request.Context(), responderID, time.Now())
	if err != nil {
		failWithError(c, err)
		return
	}

	est := h.responderEstimate(state.Latitude, state.Longitude, state.Speed, alert)
	response.Success(c, "success", gin.H{
		"alert_id": alert.ID,
		"estimate": est,
		"arrived":  h.estimator.HasArrived(geo.Point{Lat: state.Latitude, Lon: state.Longitude}, geo.Point{Lat: alert.Latitude, Lon: alert.Longitude}),
	})
}

func (h *Handlers) responderEstimate(lat, lon, speed float64, alert *models.SosAlert) eta.Estimate {
	var speedPtr *float64
	if speed > 0 {
		speedPtr = &speed
	}
	return h.estimator.Estimate(
		geo.Point{Lat: lat, Lon: lon},
		nil,
		speedPtr,
		geo.Point{Lat: alert.Latitude, Lon: alert.Longitude},
	)
}
