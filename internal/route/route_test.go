package route

import (
	"context"
	"testing"
	"time"

	"HibiscusTrack/internal/models"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geo"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestReconstructor(t *testing.T) *Reconstructor {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return NewReconstructor(db, DefaultConfig())
}

// northwardSamples 从起点匀速北移的采样序列，每步约 111 米
func northwardSamples(n int, sessionID, userID string, start time.Time) []models.LocationSample {
	out := make([]models.LocationSample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.LocationSample{
			ID:         uuid.NewString(),
			UserID:     userID,
			SessionID:  sessionID,
			Latitude:   39.9000 + float64(i)*0.001,
			Longitude:  116.4000,
			RecordedAt: start.Add(time.Duration(i) * 30 * time.Second),
		})
	}
	return out
}

func TestReconstructComputesDistanceAndPace(t *testing.T) {
	r := newTestReconstructor(t)
	samples := northwardSamples(11, "", "u1", time.Now())

	route := r.Reconstruct(samples)
	// 10 步 × 约 111 米，滑动平均把首尾各收缩约半步
	assert.InDelta(t, 1000, route.DistanceMeters, 15)
	assert.Equal(t, 5*time.Minute, route.Duration)
	// 约 1 公里 5 分钟，配速约 5 min/km
	assert.InDelta(t, 5.0, route.AvgPaceMinPerKm, 0.2)
	assert.NotEmpty(t, route.Polyline)
	assert.Equal(t, 11, route.SampleCount)

	decoded := geo.DecodePolyline(route.Polyline)
	assert.Equal(t, len(route.Points), len(decoded))
}

func TestReconstructDropsTeleportPoint(t *testing.T) {
	r := newTestReconstructor(t)
	now := time.Now()
	samples := northwardSamples(5, "", "u1", now)
	// 中间插入一个 1 秒内跳 5 公里的坏点
	samples = append(samples[:3], append([]models.LocationSample{{
		ID:         uuid.NewString(),
		UserID:     "u1",
		Latitude:   39.95,
		Longitude:  116.40,
		RecordedAt: now.Add(61 * time.Second),
	}}, samples[3:]...)...)

	route := r.Reconstruct(samples)
	// 坏点被剔除，总里程仍接近干净轨迹（平滑后约 334 米）
	assert.InDelta(t, 334, route.DistanceMeters, 20)
}

func TestReconstructEmpty(t *testing.T) {
	r := newTestReconstructor(t)
	route := r.Reconstruct(nil)
	assert.Zero(t, route.DistanceMeters)
	assert.Empty(t, route.Polyline)
}

func TestSimplifyKeepsEndpoints(t *testing.T) {
	points := make([]geo.Point, 100)
	for i := range points {
		points[i] = geo.Point{Lat: float64(i), Lon: 0}
	}

	out := Simplify(points, 10)
	assert.Len(t, out, 10)
	assert.Equal(t, points[0], out[0])
	assert.Equal(t, points[99], out[9])

	// 不超上限时原样返回
	assert.Len(t, Simplify(points, 200), 100)
}

func TestSessionRouteQuery(t *testing.T) {
	r := newTestReconstructor(t)
	ctx := context.Background()
	samples := northwardSamples(5, "sess-1", "u1", time.Now())
	require.NoError(t, r.db.Create(&samples).Error)

	route, err := r.SessionRoute(ctx, "sess-1", "u1")
	require.NoError(t, err)
	assert.Greater(t, route.DistanceMeters, 300.0)

	_, err = r.SessionRoute(ctx, "sess-1", "nobody")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestSoloRouteQuery(t *testing.T) {
	r := newTestReconstructor(t)
	ctx := context.Background()

	samples := northwardSamples(5, "", "u1", time.Now())
	for i := range samples {
		samples[i].SoloRunID = "run-1"
	}
	require.NoError(t, r.db.Create(&samples).Error)

	route, err := r.SoloRoute(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, route.Points, 5)

	_, err = r.SoloRoute(ctx, "run-404")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}
