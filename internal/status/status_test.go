package status

import (
	"context"
	"testing"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	c := cache.NewGoCache(cache.LocalConfig{})
	t.Cleanup(func() { _ = c.Close() })
	return NewDetector(c, broadcast.NopPublisher{}, DefaultConfig())
}

func TestDetectorMovingAndIdle(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()
	now := time.Now()

	st, err := d.OnSample(ctx, "u1", 39.9, 116.4, 2.0, "", nil, now)
	require.NoError(t, err)
	assert.Equal(t, StatusMoving, st)

	st, err = d.OnSample(ctx, "u1", 39.9, 116.4, 0.1, "", nil, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st)
}

func TestDetectorSessionStates(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()
	now := time.Now()

	st, err := d.OnSample(ctx, "u1", 39.9, 116.4, 2.0, "sess-1", nil, now)
	require.NoError(t, err)
	assert.Equal(t, StatusMoving, st)

	// 短暂停下仍是 IN_SESSION
	st, err = d.OnSample(ctx, "u1", 39.9, 116.4, 0.1, "sess-1", nil, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusInSession, st)

	// 静止超过暂停阈值后进入 PAUSED
	st, err = d.OnSample(ctx, "u1", 39.9, 116.4, 0.1, "sess-1", nil, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st)

	// 再次移动回到 MOVING
	st, err = d.OnSample(ctx, "u1", 39.9, 116.4, 3.0, "sess-1", nil, now.Add(12*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusMoving, st)
}

func TestDetectorDerivesOfflineAtRead(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()
	now := time.Now()

	_, err := d.OnSample(ctx, "u1", 39.9, 116.4, 2.0, "", nil, now)
	require.NoError(t, err)

	// 45 秒内读取保持存储状态
	state, err := d.Get(ctx, "u1", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusMoving, state.Status)

	// 超过离线阈值后读取推导为 OFFLINE
	state, err = d.Get(ctx, "u1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, state.Status)
}

func TestDetectorUnknownUser(t *testing.T) {
	d := newTestDetector(t)
	_, err := d.Get(context.Background(), "nobody", time.Now())
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestDetectorHeartbeatRefreshesLiveness(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()
	now := time.Now()

	_, err := d.OnSample(ctx, "u1", 39.9, 116.4, 0.1, "", nil, now)
	require.NoError(t, err)

	battery := 42
	require.NoError(t, d.Heartbeat(ctx, "u1", &battery, now.Add(40*time.Second)))

	state, err := d.Get(ctx, "u1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	require.NotNil(t, state.Battery)
	assert.Equal(t, 42, *state.Battery)
}

func TestDetectorSosOverridesUntilCleared(t *testing.T) {
	d := newTestDetector(t)
	ctx := context.Background()
	now := time.Now()

	_, err := d.OnSample(ctx, "u1", 39.9, 116.4, 2.0, "", nil, now)
	require.NoError(t, err)
	require.NoError(t, d.SetSosActive(ctx, "u1", now))

	// SOS 保持期内采样不改变状态
	st, err := d.OnSample(ctx, "u1", 39.9, 116.4, 3.0, "", nil, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusSosActive, st)

	state, err := d.Get(ctx, "u1", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusSosActive, state.Status)

	require.NoError(t, d.ClearSos(ctx, "u1", now.Add(3*time.Second)))
	state, err = d.Get(ctx, "u1", now.Add(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
}

func TestDetectorPublishesStatusChanges(t *testing.T) {
	c := cache.NewGoCache(cache.LocalConfig{})
	defer c.Close()
	pub := &broadcast.CapturePublisher{}
	d := NewDetector(c, pub, DefaultConfig())
	ctx := context.Background()
	now := time.Now()

	d.OnSample(ctx, "u1", 39.9, 116.4, 2.0, "sess-1", nil, now)
	d.OnSample(ctx, "u1", 39.9, 116.4, 2.0, "sess-1", nil, now.Add(time.Second)) // 状态不变，不发事件
	d.OnSample(ctx, "u1", 39.9, 116.4, 0.1, "sess-1", nil, now.Add(2*time.Second))

	assert.Len(t, pub.Events, 2)
	assert.Equal(t, broadcast.ChannelRunnerStatus, pub.Events[0].Channel)
	assert.Equal(t, "sess-1", pub.Events[1].Event.SessionID)
}
