package sos

import (
	"context"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/status"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/metrics"
	"HibiscusTrack/pkg/notification"
	"HibiscusTrack/pkg/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 定时任务类型
const (
	taskVerifyTimeout = "sos.verify_timeout"
	taskEscalateT1    = "sos.escalate_t1"
	taskEscalateT2    = "sos.escalate_t2"
)

// TriggerInput 触发 SOS 的入参
type TriggerInput struct {
	UserID      string  `json:"user_id" binding:"required"`
	TriggerType string  `json:"trigger_type"` // manual / fall_detect / no_movement
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Battery     *int    `json:"battery,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
}

// Config SOS 协调参数
type Config struct {
	VerifyTimeout time.Duration // 验证窗口，默认 10s
	EscalateT1    time.Duration // ACTIVE 后无人接单的升级延迟，默认 30s
	EscalateT2    time.Duration // ESCALATED 后的三级升级延迟，默认 60s

	// 隐私模糊偏移范围（米）
	FuzzMinMeters float64
	FuzzMaxMeters float64

	// 唯一槽位的保底 TTL，防止进程挂掉后槽位永久占用
	SlotTTL time.Duration
}

// DefaultConfig 默认协调参数
func DefaultConfig() Config {
	return Config{
		VerifyTimeout: 10 * time.Second,
		EscalateT1:    30 * time.Second,
		EscalateT2:    60 * time.Second,
		FuzzMinMeters: 100,
		FuzzMaxMeters: 300,
		SlotTTL:       2 * time.Hour,
	}
}

// Coordinator SOS 告警状态机。
// 每个转移只受当前持久化状态守卫，定时器处理器在前置条件不满足时
// 是静默 no-op，因此跨 worker 并发触发也不会双重升级。
type Coordinator struct {
	db        *gorm.DB
	cache     cache.Cache
	queue     scheduler.DelayedQueue
	matcher   *Matcher
	detector  *status.Detector
	publisher broadcast.Publisher
	notifier  notification.Gateway
	config    Config
}

// NewCoordinator 创建协调器并注册定时器处理器
func NewCoordinator(db *gorm.DB, c cache.Cache, queue scheduler.DelayedQueue, matcher *Matcher, detector *status.Detector, publisher broadcast.Publisher, notifier notification.Gateway, config Config) *Coordinator {
	if config.VerifyTimeout <= 0 {
		config.VerifyTimeout = 10 * time.Second
	}
	if config.EscalateT1 <= 0 {
		config.EscalateT1 = 30 * time.Second
	}
	if config.EscalateT2 <= 0 {
		config.EscalateT2 = 60 * time.Second
	}
	if config.FuzzMinMeters <= 0 {
		config.FuzzMinMeters = 100
	}
	if config.FuzzMaxMeters <= config.FuzzMinMeters {
		config.FuzzMaxMeters = config.FuzzMinMeters + 200
	}
	if config.SlotTTL <= 0 {
		config.SlotTTL = 2 * time.Hour
	}
	if publisher == nil {
		publisher = broadcast.NopPublisher{}
	}
	if notifier == nil {
		notifier = notification.NopGateway{}
	}

	co := &Coordinator{
		db:        db,
		cache:     c,
		queue:     queue,
		matcher:   matcher,
		detector:  detector,
		publisher: publisher,
		notifier:  notifier,
		config:    config,
	}
	queue.Register(taskVerifyTimeout, co.onVerifyTimeout)
	queue.Register(taskEscalateT1, co.onEscalateT1)
	queue.Register(taskEscalateT2, co.onEscalateT2)
	return co
}

func slotKey(userID string) string { return "sos:open:" + userID }

func verifyTaskID(alertID string) string { return "sos:verify:" + alertID }
func t1TaskID(alertID string) string     { return "sos:t1:" + alertID }
func t2TaskID(alertID string) string     { return "sos:t2:" + alertID }

// Trigger 触发告警。同一用户已有未关闭告警时返回冲突。
func (co *Coordinator) Trigger(ctx context.Context, in *TriggerInput) (*models.SosAlert, error) {
	if !geo.ValidLatLon(in.Latitude, in.Longitude) {
		return nil, errors.WithCodef(errors.CodeInvalidSample, "coordinates out of range: (%f, %f)", in.Latitude, in.Longitude)
	}

	alertID := uuid.NewString()
	ok, err := co.cache.SetNX(ctx, slotKey(in.UserID), alertID, co.config.SlotTTL)
	if err != nil {
		return nil, errors.Wrap(err, "acquire alert slot")
	}
	if !ok {
		return nil, errors.WithCodef(errors.CodeAlertConflict, "user %s already has an open alert", in.UserID)
	}

	// 槽位丢失（缓存淘汰）时数据库仍是最后防线
	var open int64
	co.db.WithContext(ctx).Model(&models.SosAlert{}).
		Where("user_id = ? AND status NOT IN ?", in.UserID, []models.AlertStatus{models.AlertResolved, models.AlertFalseAlarm}).
		Count(&open)
	if open > 0 {
		return nil, errors.WithCodef(errors.CodeAlertConflict, "user %s already has an open alert", in.UserID)
	}

	fuzzed := geo.Fuzz(geo.Point{Lat: in.Latitude, Lon: in.Longitude}, co.config.FuzzMinMeters, co.config.FuzzMaxMeters)
	now := time.Now()
	alert := &models.SosAlert{
		ID:              alertID,
		UserID:          in.UserID,
		SessionID:       in.SessionID,
		TriggerType:     in.TriggerType,
		Status:          models.AlertPendingVerification,
		EscalationLevel: 1,
		Latitude:        in.Latitude,
		Longitude:       in.Longitude,
		FuzzedLatitude:  fuzzed.Lat,
		FuzzedLongitude: fuzzed.Lon,
		Battery:         in.Battery,
		Notes:           in.Notes,
		TriggeredAt:     now,
	}
	if err := co.db.WithContext(ctx).Create(alert).Error; err != nil {
		_ = co.cache.Delete(ctx, slotKey(in.UserID))
		return nil, errors.Wrap(err, "persist alert")
	}

	if err := co.detector.SetSosActive(ctx, in.UserID, now); err != nil {
		logger.Warn("set sos status", zap.String("alert_id", alertID), zap.Error(err))
	}
	if err := co.queue.Schedule(ctx, verifyTaskID(alertID), taskVerifyTimeout,
		map[string]string{"alert_id": alertID}, co.config.VerifyTimeout); err != nil {
		logger.Error("arm verification timer", zap.String("alert_id", alertID), zap.Error(err))
	}

	co.notifier.NotifyUser(ctx, in.UserID, notification.Message{
		Title: "SOS triggered",
		Body:  "Confirm you are safe, or we treat this as a real emergency.",
		Data:  map[string]interface{}{"alert_id": alertID},
	})
	metrics.SosAlerts.WithLabelValues(string(models.AlertPendingVerification)).Inc()
	metrics.SosOpenAlerts.Inc()
	return alert, nil
}

// Verify 只在 PENDING_VERIFICATION 期间有效。
// isSafe=true → FALSE_ALARM 并撤掉全部定时器；false → 立即转 ACTIVE。
func (co *Coordinator) Verify(ctx context.Context, alertID string, isSafe bool) error {
	alert, err := co.loadAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.Status != models.AlertPendingVerification {
		return errors.WithCodef(errors.CodeInvalidTransition, "alert %s is %s, not pending verification", alertID, alert.Status)
	}

	if isSafe {
		now := time.Now()
		res := co.db.WithContext(ctx).Model(&models.SosAlert{}).
			Where("id = ? AND status = ?", alertID, models.AlertPendingVerification).
			Updates(map[string]interface{}{"status": models.AlertFalseAlarm, "resolved_at": now})
		if res.Error != nil {
			return errors.Wrap(res.Error, "close false alarm")
		}
		if res.RowsAffected == 0 {
			return errors.WithCodef(errors.CodeInvalidTransition, "alert %s changed state concurrently", alertID)
		}
		co.releaseAlert(ctx, alert)
		metrics.SosAlerts.WithLabelValues(string(models.AlertFalseAlarm)).Inc()
		metrics.SosOpenAlerts.Dec()
		return nil
	}
	return co.activate(ctx, alert)
}

// Resolve 显式关闭，任一非终态都接受
func (co *Coordinator) Resolve(ctx context.Context, alertID string) error {
	alert, err := co.loadAlert(ctx, alertID)
	if err != nil {
		return err
	}
	if alert.Status.IsTerminal() {
		return errors.WithCodef(errors.CodeInvalidTransition, "alert %s already closed", alertID)
	}

	now := time.Now()
	res := co.db.WithContext(ctx).Model(&models.SosAlert{}).
		Where("id = ? AND status NOT IN ?", alertID, []models.AlertStatus{models.AlertResolved, models.AlertFalseAlarm}).
		Updates(map[string]interface{}{"status": models.AlertResolved, "resolved_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "resolve alert")
	}
	if res.RowsAffected == 0 {
		return errors.WithCodef(errors.CodeInvalidTransition, "alert %s changed state concurrently", alertID)
	}

	co.releaseAlert(ctx, alert)
	co.matcher.NotifyResolution(ctx, alert)
	co.publisher.Publish(ctx, broadcast.ChannelSosAlert, broadcast.Event{
		Type:         "sos_resolved",
		TargetUserID: alert.UserID,
		Payload:      map[string]interface{}{"alert_id": alertID},
	})
	metrics.SosAlerts.WithLabelValues(string(models.AlertResolved)).Inc()
	metrics.SosOpenAlerts.Dec()
	return nil
}

// Acknowledge 把告警标成已被看到的信息性中间态，只在 ACTIVE/ESCALATED 有效
func (co *Coordinator) Acknowledge(ctx context.Context, alertID string) error {
	res := co.db.WithContext(ctx).Model(&models.SosAlert{}).
		Where("id = ? AND status IN ?", alertID, []models.AlertStatus{models.AlertActive, models.AlertEscalated}).
		Update("status", models.AlertAcknowledged)
	if res.Error != nil {
		return errors.Wrap(res.Error, "acknowledge alert")
	}
	if res.RowsAffected == 0 {
		return errors.WithCodef(errors.CodeInvalidTransition, "alert %s is not active", alertID)
	}
	metrics.SosAlerts.WithLabelValues(string(models.AlertAcknowledged)).Inc()
	return nil
}

// CancelEscalation 撤掉尚未触发的定时器，可重复调用
func (co *Coordinator) CancelEscalation(ctx context.Context, alertID string) {
	_ = co.queue.Cancel(ctx, verifyTaskID(alertID))
	_ = co.queue.Cancel(ctx, t1TaskID(alertID))
	_ = co.queue.Cancel(ctx, t2TaskID(alertID))
}

// Get 按 id 读取告警
func (co *Coordinator) Get(ctx context.Context, alertID string) (*models.SosAlert, error) {
	return co.loadAlert(ctx, alertID)
}

// activate 进入 ACTIVE：全量广播并布下两级升级定时器。
// 由 verify(false) 和验证超时处理器共用，守卫同一个前置状态。
func (co *Coordinator) activate(ctx context.Context, alert *models.SosAlert) error {
	now := time.Now()
	res := co.db.WithContext(ctx).Model(&models.SosAlert{}).
		Where("id = ? AND status = ?", alert.ID, models.AlertPendingVerification).
		Updates(map[string]interface{}{"status": models.AlertActive, "verified_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "activate alert")
	}
	if res.RowsAffected == 0 {
		// 已被并发路径处理过
		return nil
	}
	alert.Status = models.AlertActive
	alert.VerifiedAt = &now

	_ = co.queue.Cancel(ctx, verifyTaskID(alert.ID))
	payload := map[string]string{"alert_id": alert.ID}
	if err := co.queue.Schedule(ctx, t1TaskID(alert.ID), taskEscalateT1, payload, co.config.EscalateT1); err != nil {
		logger.Error("arm t1 timer", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	if err := co.queue.Schedule(ctx, t2TaskID(alert.ID), taskEscalateT2, payload, co.config.EscalateT1+co.config.EscalateT2); err != nil {
		logger.Error("arm t2 timer", zap.String("alert_id", alert.ID), zap.Error(err))
	}

	// 广播失败不回滚状态转移，投递是解耦的尽力而为
	notified, err := co.matcher.NotifyCandidates(ctx, alert)
	if err != nil {
		logger.Error("notify responders", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	co.matcher.NotifyContacts(ctx, alert)
	co.matcher.NotifySessionPeers(ctx, alert)

	co.publisher.Publish(ctx, broadcast.ChannelSosAlert, broadcast.Event{
		Type:         "sos_active",
		TargetUserID: alert.UserID,
		Payload: map[string]interface{}{
			"alert_id":  alert.ID,
			"latitude":  alert.FuzzedLatitude,
			"longitude": alert.FuzzedLongitude,
			"notified":  notified,
		},
	})
	metrics.SosAlerts.WithLabelValues(string(models.AlertActive)).Inc()
	return nil
}

// onVerifyTimeout 验证窗口内没有任何响应：沉默视为真实紧急
func (co *Coordinator) onVerifyTimeout(ctx context.Context, task scheduler.Task) {
	alert, err := co.loadAlert(ctx, task.Payload["alert_id"])
	if err != nil {
		logger.Warn("verify timeout: load alert", zap.Error(err))
		return
	}
	if alert.Status != models.AlertPendingVerification {
		return
	}
	if err := co.activate(ctx, alert); err != nil {
		logger.Error("verify timeout: activate", zap.String("alert_id", alert.ID), zap.Error(err))
	}
}

// onEscalateT1 ACTIVE 且零人接单 → ESCALATED（二级）
func (co *Coordinator) onEscalateT1(ctx context.Context, task scheduler.Task) {
	alertID := task.Payload["alert_id"]
	alert, err := co.loadAlert(ctx, alertID)
	if err != nil {
		logger.Warn("t1 escalation: load alert", zap.Error(err))
		return
	}
	if alert.Status != models.AlertActive {
		return
	}
	accepted, err := co.matcher.AcceptedCount(ctx, alertID)
	if err != nil {
		logger.Error("t1 escalation: count acceptors", zap.Error(err))
		return
	}
	if accepted > 0 {
		return
	}

	res := co.db.WithContext(ctx).Model(&models.SosAlert{}).
		Where("id = ? AND status = ?", alertID, models.AlertActive).
		Updates(map[string]interface{}{"status": models.AlertEscalated, "escalation_level": 2})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	co.matcher.NotifyContacts(ctx, alert)
	co.publisher.Publish(ctx, broadcast.ChannelSosAlert, broadcast.Event{
		Type:         "sos_escalated",
		TargetUserID: alert.UserID,
		Payload:      map[string]interface{}{"alert_id": alertID, "level": 2},
	})
	metrics.SosAlerts.WithLabelValues(string(models.AlertEscalated)).Inc()
}

// onEscalateT2 仍在 ESCALATED → 三级，联络紧急服务
func (co *Coordinator) onEscalateT2(ctx context.Context, task scheduler.Task) {
	alertID := task.Payload["alert_id"]
	alert, err := co.loadAlert(ctx, alertID)
	if err != nil {
		logger.Warn("t2 escalation: load alert", zap.Error(err))
		return
	}
	if alert.Status != models.AlertEscalated || alert.EscalationLevel != 2 {
		return
	}

	res := co.db.WithContext(ctx).Model(&models.SosAlert{}).
		Where("id = ? AND status = ? AND escalation_level = 2", alertID, models.AlertEscalated).
		Update("escalation_level", 3)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	// 三级升级放出精确位置
	co.notifier.NotifySMS(ctx, "emergency-services",
		"SOS level 3: runner "+alert.UserID+" needs help, no responder accepted")
	co.publisher.Publish(ctx, broadcast.ChannelSosAlert, broadcast.Event{
		Type:         "sos_escalated",
		TargetUserID: alert.UserID,
		Payload: map[string]interface{}{
			"alert_id":  alertID,
			"level":     3,
			"latitude":  alert.Latitude,
			"longitude": alert.Longitude,
		},
	})
}

// releaseAlert 撤定时器、释放唯一槽位、解除 SOS 状态保持
func (co *Coordinator) releaseAlert(ctx context.Context, alert *models.SosAlert) {
	co.CancelEscalation(ctx, alert.ID)
	_ = co.cache.Delete(ctx, slotKey(alert.UserID))
	if err := co.detector.ClearSos(ctx, alert.UserID, time.Now()); err != nil {
		logger.Warn("clear sos status", zap.String("user_id", alert.UserID), zap.Error(err))
	}
}

func (co *Coordinator) loadAlert(ctx context.Context, alertID string) (*models.SosAlert, error) {
	var alert models.SosAlert
	err := co.db.WithContext(ctx).Where("id = ?", alertID).First(&alert).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.WithCodef(errors.CodeNotFound, "alert not found: %s", alertID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load alert")
	}
	return &alert, nil
}
