package sos

import (
	"context"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/internal/eta"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/profile"
	"HibiscusTrack/internal/proximity"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/notification"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MatcherConfig 响应者匹配参数
type MatcherConfig struct {
	MaxResponders      int     // 默认 5
	SearchRadiusMeters float64 // 候选搜索半径，默认 2000
	ExactLocationQuota int     // 前几位接受者可见精确位置，默认 3
}

// DefaultMatcherConfig 默认匹配参数
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		MaxResponders:      5,
		SearchRadiusMeters: 2000,
		ExactLocationQuota: 3,
	}
}

// Matcher 候选响应者的选取与跟踪。
// 面向响应者的通知只携带模糊位置，精确位置是前几位接受者的特权通道。
type Matcher struct {
	db        *gorm.DB
	engine    *proximity.Engine
	estimator *eta.Estimator
	profiles  profile.Reader
	notifier  notification.Gateway
	publisher broadcast.Publisher
	config    MatcherConfig
}

// NewMatcher 创建匹配器
func NewMatcher(db *gorm.DB, engine *proximity.Engine, estimator *eta.Estimator, profiles profile.Reader, notifier notification.Gateway, publisher broadcast.Publisher, config MatcherConfig) *Matcher {
	if config.MaxResponders <= 0 {
		config.MaxResponders = 5
	}
	if config.SearchRadiusMeters <= 0 {
		config.SearchRadiusMeters = 2000
	}
	if config.ExactLocationQuota <= 0 {
		config.ExactLocationQuota = 3
	}
	if notifier == nil {
		notifier = notification.NopGateway{}
	}
	if publisher == nil {
		publisher = broadcast.NopPublisher{}
	}
	return &Matcher{
		db:        db,
		engine:    engine,
		estimator: estimator,
		profiles:  profiles,
		notifier:  notifier,
		publisher: publisher,
		config:    config,
	}
}

// NotifyCandidates 围绕模糊位置找 2×max 候选、取前 max 个建 NOTIFIED 记录并通知。
// 过量查询吃掉过滤损耗：宁可多通知也不漏通知。
func (m *Matcher) NotifyCandidates(ctx context.Context, alert *models.SosAlert) (int, error) {
	candidates, err := m.engine.NearbyCandidates(ctx,
		alert.FuzzedLongitude, alert.FuzzedLatitude,
		m.config.SearchRadiusMeters, m.config.MaxResponders*2, alert.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "query responder candidates")
	}

	notified := 0
	now := time.Now()
	for _, c := range candidates {
		if notified >= m.config.MaxResponders {
			break
		}
		responder := &models.SosResponder{
			AlertID:        alert.ID,
			ResponderID:    c.UserID,
			Status:         models.ResponderNotified,
			DistanceMeters: c.DistanceMeters,
			NotifiedAt:     now,
		}
		// (alertID, responderID) 唯一，重复通知时保留原记录
		res := m.db.WithContext(ctx).
			Where("alert_id = ? AND responder_id = ?", alert.ID, c.UserID).
			FirstOrCreate(responder)
		if res.Error != nil {
			logger.Warn("create responder record", zap.String("responder", c.UserID), zap.Error(res.Error))
			continue
		}

		m.notifier.NotifyUser(ctx, c.UserID, notification.Message{
			Title: "Runner nearby needs help",
			Body:  "An SOS was triggered close to you. Can you respond?",
			Data: map[string]interface{}{
				"alert_id":  alert.ID,
				"latitude":  alert.FuzzedLatitude,
				"longitude": alert.FuzzedLongitude,
				"distance":  c.DistanceMeters,
			},
		})
		m.publisher.Publish(ctx, broadcast.ChannelSosResponder, broadcast.Event{
			Type:         "responder_notified",
			TargetUserID: c.UserID,
			Payload: map[string]interface{}{
				"alert_id":  alert.ID,
				"latitude":  alert.FuzzedLatitude,
				"longitude": alert.FuzzedLongitude,
			},
		})
		notified++
	}
	return notified, nil
}

// Acknowledge 响应者接单/拒单，只对 ACTIVE 告警上的 NOTIFIED 记录有效。
// 前几位接受者通过特权通道拿到精确位置与 ETA。
func (m *Matcher) Acknowledge(ctx context.Context, alertID, responderID string, accepted bool) error {
	var alert models.SosAlert
	err := m.db.WithContext(ctx).Where("id = ?", alertID).First(&alert).Error
	if err == gorm.ErrRecordNotFound {
		return errors.WithCodef(errors.CodeNotFound, "alert not found: %s", alertID)
	}
	if err != nil {
		return errors.Wrap(err, "load alert")
	}
	if alert.Status != models.AlertActive {
		return errors.WithCodef(errors.CodeInvalidTransition, "alert %s is %s, not active", alertID, alert.Status)
	}

	target := models.ResponderDeclined
	if accepted {
		target = models.ResponderAccepted
	}
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.SosResponder{}).
		Where("alert_id = ? AND responder_id = ? AND status = ?", alertID, responderID, models.ResponderNotified).
		Updates(map[string]interface{}{"status": target, "acknowledged_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update responder")
	}
	if res.RowsAffected == 0 {
		return errors.WithCodef(errors.CodeInvalidTransition, "responder %s was not notified or already answered", responderID)
	}
	if !accepted {
		return nil
	}

	accepted64, err := m.AcceptedCount(ctx, alertID)
	if err != nil {
		return err
	}
	if int(accepted64) <= m.config.ExactLocationQuota {
		m.sendExactLocation(ctx, &alert, responderID)
	}

	m.notifier.NotifyUser(ctx, alert.UserID, notification.Message{
		Title: "Help is coming",
		Body:  "A nearby runner accepted your SOS.",
		Data:  map[string]interface{}{"alert_id": alertID, "responder_id": responderID},
	})
	return nil
}

// MarkEnRoute 接受后出发
func (m *Matcher) MarkEnRoute(ctx context.Context, alertID, responderID string) error {
	res := m.db.WithContext(ctx).Model(&models.SosResponder{}).
		Where("alert_id = ? AND responder_id = ? AND status = ?", alertID, responderID, models.ResponderAccepted).
		Update("status", models.ResponderEnRoute)
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark en route")
	}
	if res.RowsAffected == 0 {
		return errors.WithCodef(errors.CodeInvalidTransition, "responder %s has not accepted", responderID)
	}
	return nil
}

// MarkArrived 只在接受之后有意义，记录到达时间并通知受害者
func (m *Matcher) MarkArrived(ctx context.Context, alertID, responderID string) error {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.SosResponder{}).
		Where("alert_id = ? AND responder_id = ? AND status IN ?", alertID, responderID,
			[]models.ResponderStatus{models.ResponderAccepted, models.ResponderEnRoute}).
		Updates(map[string]interface{}{"status": models.ResponderArrived, "arrived_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark arrived")
	}
	if res.RowsAffected == 0 {
		return errors.WithCodef(errors.CodeInvalidTransition, "responder %s has not accepted", responderID)
	}

	var alert models.SosAlert
	if err := m.db.WithContext(ctx).Where("id = ?", alertID).First(&alert).Error; err == nil {
		m.notifier.NotifyUser(ctx, alert.UserID, notification.Message{
			Title: "Responder arrived",
			Body:  "A responder has reached your location.",
			Data:  map[string]interface{}{"alert_id": alertID, "responder_id": responderID},
		})
	}
	return nil
}

// AcceptedCount 告警当前的接单人数
func (m *Matcher) AcceptedCount(ctx context.Context, alertID string) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&models.SosResponder{}).
		Where("alert_id = ? AND status IN ?", alertID,
			[]models.ResponderStatus{models.ResponderAccepted, models.ResponderEnRoute, models.ResponderArrived}).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "count acceptors")
	}
	return count, nil
}

// Responders 告警的全部响应者记录
func (m *Matcher) Responders(ctx context.Context, alertID string) ([]models.SosResponder, error) {
	var rows []models.SosResponder
	err := m.db.WithContext(ctx).Where("alert_id = ?", alertID).Order("notified_at asc").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "load responders")
	}
	return rows, nil
}

// NotifyContacts 紧急联系人广播，拿的是精确位置
func (m *Matcher) NotifyContacts(ctx context.Context, alert *models.SosAlert) {
	contacts, err := m.profiles.EmergencyContacts(ctx, alert.UserID)
	if err != nil {
		logger.Warn("load emergency contacts", zap.String("user_id", alert.UserID), zap.Error(err))
		return
	}
	for _, contact := range contacts {
		m.notifier.NotifyUser(ctx, contact, notification.Message{
			Title: "Emergency alert",
			Body:  "Your contact triggered an SOS.",
			Data: map[string]interface{}{
				"alert_id":  alert.ID,
				"latitude":  alert.Latitude,
				"longitude": alert.Longitude,
			},
		})
	}
}

// NotifySessionPeers 同会话跑者广播（模糊位置）
func (m *Matcher) NotifySessionPeers(ctx context.Context, alert *models.SosAlert) {
	if alert.SessionID == "" {
		return
	}
	var peers []models.RunParticipant
	err := m.db.WithContext(ctx).
		Where("session_id = ? AND user_id <> ? AND left_at IS NULL", alert.SessionID, alert.UserID).
		Find(&peers).Error
	if err != nil {
		logger.Warn("load session peers", zap.String("session_id", alert.SessionID), zap.Error(err))
		return
	}
	for _, peer := range peers {
		m.notifier.NotifyUser(ctx, peer.UserID, notification.Message{
			Title: "SOS in your session",
			Body:  "A runner in your session triggered an SOS.",
			Data: map[string]interface{}{
				"alert_id":  alert.ID,
				"latitude":  alert.FuzzedLatitude,
				"longitude": alert.FuzzedLongitude,
			},
		})
	}
}

// NotifyResolution 告警关闭后通知所有参与方
func (m *Matcher) NotifyResolution(ctx context.Context, alert *models.SosAlert) {
	responders, err := m.Responders(ctx, alert.ID)
	if err != nil {
		logger.Warn("load responders for resolution", zap.Error(err))
		return
	}
	for _, r := range responders {
		if r.Status == models.ResponderDeclined {
			continue
		}
		m.notifier.NotifyUser(ctx, r.ResponderID, notification.Message{
			Title: "SOS resolved",
			Body:  "The alert you responded to has been closed.",
			Data:  map[string]interface{}{"alert_id": alert.ID},
		})
	}
}

// sendExactLocation 特权通道：精确位置 + 基于响应者当前位置的 ETA
func (m *Matcher) sendExactLocation(ctx context.Context, alert *models.SosAlert, responderID string) {
	payload := map[string]interface{}{
		"alert_id":  alert.ID,
		"latitude":  alert.Latitude,
		"longitude": alert.Longitude,
		"exact":     true,
	}

	var rec models.SosResponder
	err := m.db.WithContext(ctx).
		Where("alert_id = ? AND responder_id = ?", alert.ID, responderID).First(&rec).Error
	if err == nil && m.estimator != nil {
		// 通知时记录的距离给一个粗略 ETA，实时修正由客户端持续上报驱动
		est := m.estimator.Estimate(
			geo.Destination(geo.Point{Lat: alert.Latitude, Lon: alert.Longitude}, 0, rec.DistanceMeters),
			nil, nil,
			geo.Point{Lat: alert.Latitude, Lon: alert.Longitude})
		payload["eta_seconds"] = est.Eta.Seconds()
	}

	m.notifier.NotifyUser(ctx, responderID, notification.Message{
		Title: "Exact location unlocked",
		Body:  "You are among the first responders. Exact coordinates attached.",
		Data:  payload,
	})
	m.publisher.Publish(ctx, broadcast.ChannelSosResponder, broadcast.Event{
		Type:         "exact_location",
		TargetUserID: responderID,
		Payload:      payload,
	})
}
