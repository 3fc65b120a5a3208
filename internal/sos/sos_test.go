package sos

import (
	"context"
	"testing"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/internal/eta"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/profile"
	"HibiscusTrack/internal/proximity"
	"HibiscusTrack/internal/status"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/geoindex"
	"HibiscusTrack/pkg/notification"
	"HibiscusTrack/pkg/scheduler"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type sosFixture struct {
	co       *Coordinator
	matcher  *Matcher
	db       *gorm.DB
	index    geoindex.Index
	detector *status.Detector
	notifier *notification.CaptureGateway
}

// newFixture 定时器压到几百毫秒，真实跑完整个状态机
func newFixture(t *testing.T) *sosFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	c := cache.NewGoCache(cache.LocalConfig{})
	t.Cleanup(func() { _ = c.Close() })

	index := geoindex.NewLocalIndex()
	t.Cleanup(func() { _ = index.Close() })

	queue := scheduler.NewLocalDelayedQueue()
	t.Cleanup(queue.Stop)

	notifier := &notification.CaptureGateway{}
	profiles := profile.NewReader(db)
	engine := proximity.NewEngine(index, profiles, proximity.DefaultConfig())
	estimator := eta.NewEstimator(eta.DefaultConfig())
	detector := status.NewDetector(c, broadcast.NopPublisher{}, status.DefaultConfig())
	matcher := NewMatcher(db, engine, estimator, profiles, notifier, broadcast.NopPublisher{}, DefaultMatcherConfig())

	co := NewCoordinator(db, c, queue, matcher, detector, broadcast.NopPublisher{}, notifier, Config{
		VerifyTimeout: 150 * time.Millisecond,
		EscalateT1:    200 * time.Millisecond,
		EscalateT2:    200 * time.Millisecond,
		FuzzMinMeters: 100,
		FuzzMaxMeters: 300,
	})
	queue.Start()

	return &sosFixture{co: co, matcher: matcher, db: db, index: index, detector: detector, notifier: notifier}
}

func trigger(userID string) *TriggerInput {
	return &TriggerInput{
		UserID:      userID,
		TriggerType: "manual",
		Latitude:    39.9042,
		Longitude:   116.4074,
	}
}

func (f *sosFixture) alertStatus(t *testing.T, alertID string) models.AlertStatus {
	t.Helper()
	var alert models.SosAlert
	require.NoError(t, f.db.Where("id = ?", alertID).First(&alert).Error)
	return alert.Status
}

func (f *sosFixture) seedResponder(t *testing.T, userID string, lat, lon float64) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.UserProfile{
		UserID: userID, DisplayName: userID, LocationVisible: true, Active: true,
	}).Error)
	require.NoError(t, f.index.Upsert(context.Background(), userID, lon, lat, ""))
}

func TestTriggerFuzzesLocation(t *testing.T) {
	f := newFixture(t)
	alert, err := f.co.Trigger(context.Background(), trigger("victim"))
	require.NoError(t, err)

	assert.Equal(t, models.AlertPendingVerification, alert.Status)
	assert.Equal(t, 1, alert.EscalationLevel)

	offset := geo.Distance(
		geo.Point{Lat: alert.Latitude, Lon: alert.Longitude},
		geo.Point{Lat: alert.FuzzedLatitude, Lon: alert.FuzzedLongitude})
	assert.GreaterOrEqual(t, offset, 99.0)
	assert.LessOrEqual(t, offset, 301.0)
}

func TestTriggerSetsRunnerSosActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)

	state, err := f.detector.Get(ctx, "victim", time.Now())
	require.NoError(t, err)
	assert.Equal(t, status.StatusSosActive, state.Status)
}

func TestSecondTriggerConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)

	_, err = f.co.Trigger(ctx, trigger("victim"))
	assert.True(t, errors.HasCode(err, errors.CodeAlertConflict))
}

func TestVerifySafeClosesAsFalseAlarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, true))
	assert.Equal(t, models.AlertFalseAlarm, f.alertStatus(t, alert.ID))

	// 定时器已撤，等待超过验证窗口后状态不再变化
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, models.AlertFalseAlarm, f.alertStatus(t, alert.ID))

	// 槽位已释放，可以再次触发
	_, err = f.co.Trigger(ctx, trigger("victim"))
	assert.NoError(t, err)
}

func TestVerifyTimeoutActivates(t *testing.T) {
	f := newFixture(t)
	alert, err := f.co.Trigger(context.Background(), trigger("victim"))
	require.NoError(t, err)

	// 不调用 verify，沉默默认按真实紧急处理
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, models.AlertActive, f.alertStatus(t, alert.ID))
}

func TestVerifyDangerActivatesAndNotifiesResponders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedResponder(t, "helper1", 39.9050, 116.4080)
	f.seedResponder(t, "helper2", 39.9060, 116.4090)

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))
	assert.Equal(t, models.AlertActive, f.alertStatus(t, alert.ID))

	responders, err := f.matcher.Responders(ctx, alert.ID)
	require.NoError(t, err)
	assert.Len(t, responders, 2)
	for _, r := range responders {
		assert.Equal(t, models.ResponderNotified, r.Status)
		assert.Greater(t, r.DistanceMeters, 0.0)
	}
}

func TestVerifyAfterActivationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))

	err = f.co.Verify(ctx, alert.ID, true)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))
}

func TestAcceptBeforeT1PreventsEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedResponder(t, "helper1", 39.9050, 116.4080)

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))
	require.NoError(t, f.matcher.Acknowledge(ctx, alert.ID, "helper1", true))

	// T1 处理器看到已有接单人后应是 no-op
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, models.AlertActive, f.alertStatus(t, alert.ID))
}

func TestNoAcceptorEscalatesThroughLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))

	// T1 后 ESCALATED 二级
	time.Sleep(300 * time.Millisecond)
	var got models.SosAlert
	require.NoError(t, f.db.Where("id = ?", alert.ID).First(&got).Error)
	assert.Equal(t, models.AlertEscalated, got.Status)
	assert.Equal(t, 2, got.EscalationLevel)

	// T2 后三级
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, f.db.Where("id = ?", alert.ID).First(&got).Error)
	assert.Equal(t, 3, got.EscalationLevel)
	// 三级联络紧急服务
	assert.NotEmpty(t, f.notifier.SMS)
}

func TestResolveFreesSlotAndStopsTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))
	require.NoError(t, f.co.Resolve(ctx, alert.ID))
	assert.Equal(t, models.AlertResolved, f.alertStatus(t, alert.ID))

	// 升级定时器已撤
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, models.AlertResolved, f.alertStatus(t, alert.ID))

	// 状态保持解除、槽位可复用
	state, err := f.detector.Get(ctx, "victim", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, status.StatusSosActive, state.Status)
	_, err = f.co.Trigger(ctx, trigger("victim"))
	assert.NoError(t, err)
}

func TestResolveTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))
	require.NoError(t, f.co.Resolve(ctx, alert.ID))

	err = f.co.Resolve(ctx, alert.ID)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))
}

func TestCancelEscalationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)

	f.co.CancelEscalation(ctx, alert.ID)
	f.co.CancelEscalation(ctx, alert.ID)

	// 验证定时器被撤掉后告警停在 PENDING_VERIFICATION
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, models.AlertPendingVerification, f.alertStatus(t, alert.ID))
}

func TestFirstAcceptorsGetExactLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, id := range []string{"h1", "h2", "h3", "h4", "h5"} {
		f.seedResponder(t, id, 39.9050+float64(i)*0.0005, 116.4080)
	}

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))

	for _, id := range []string{"h1", "h2", "h3", "h4"} {
		require.NoError(t, f.matcher.Acknowledge(ctx, alert.ID, id, true))
	}

	exact := 0
	for _, p := range f.notifier.Pushes {
		if v, ok := p.Message.Data["exact"]; ok && v == true {
			exact++
		}
	}
	// 只有前三位接受者解锁精确位置
	assert.Equal(t, 3, exact)
}

func TestAcknowledgeGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedResponder(t, "helper1", 39.9050, 116.4080)

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)

	// 告警尚未 ACTIVE
	err = f.matcher.Acknowledge(ctx, alert.ID, "helper1", true)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))

	require.NoError(t, f.co.Verify(ctx, alert.ID, false))
	require.NoError(t, f.matcher.Acknowledge(ctx, alert.ID, "helper1", true))

	// 已应答的响应者不能再次应答
	err = f.matcher.Acknowledge(ctx, alert.ID, "helper1", false)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))

	// 未被通知的人不能应答
	err = f.matcher.Acknowledge(ctx, alert.ID, "stranger", true)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))
}

func TestResponderArrivalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedResponder(t, "helper1", 39.9050, 116.4080)

	alert, err := f.co.Trigger(ctx, trigger("victim"))
	require.NoError(t, err)
	require.NoError(t, f.co.Verify(ctx, alert.ID, false))

	// 未接受前 markArrived 无意义
	err = f.matcher.MarkArrived(ctx, alert.ID, "helper1")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidTransition))

	require.NoError(t, f.matcher.Acknowledge(ctx, alert.ID, "helper1", true))
	require.NoError(t, f.matcher.MarkEnRoute(ctx, alert.ID, "helper1"))
	require.NoError(t, f.matcher.MarkArrived(ctx, alert.ID, "helper1"))

	responders, err := f.matcher.Responders(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, responders, 1)
	assert.Equal(t, models.ResponderArrived, responders[0].Status)
	assert.NotNil(t, responders[0].ArrivedAt)
}
