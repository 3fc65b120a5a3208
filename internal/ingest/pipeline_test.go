package ingest

import (
	"context"
	"testing"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/smoothing"
	"HibiscusTrack/internal/status"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geoindex"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	c := cache.NewGoCache(cache.LocalConfig{})
	t.Cleanup(func() { _ = c.Close() })

	index := geoindex.NewLocalIndex()
	t.Cleanup(func() { _ = index.Close() })

	smoother := smoothing.NewSmoother(c, smoothing.DefaultConfig())
	detector := status.NewDetector(c, broadcast.NopPublisher{}, status.DefaultConfig())
	return NewPipeline(db, index, c, smoother, detector, broadcast.NopPublisher{}, DefaultConfig())
}

func sample(userID string, lat, lon float64, at time.Time) *SampleInput {
	speed := 2.0
	return &SampleInput{
		UserID:     userID,
		Latitude:   lat,
		Longitude:  lon,
		Speed:      &speed,
		RecordedAt: at,
	}
}

func TestIngestPersistsAndIndexes(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, sample("u1", 39.9042, 116.4074, time.Now()))
	require.NoError(t, err)
	assert.NotEmpty(t, res.SampleID)
	assert.False(t, res.IsAnomalous)
	assert.Equal(t, status.StatusMoving, res.Status)

	var count int64
	p.db.Model(&models.LocationSample{}).Count(&count)
	assert.EqualValues(t, 1, count)

	neighbors, err := p.index.QueryNearby(ctx, 116.4074, 39.9042, 100, 10, "")
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "u1", neighbors[0].UserID)
}

func TestValidateCoordinateRange(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, sample("u1", 91, 116.4, time.Now()))
	assert.True(t, errors.HasCode(err, errors.CodeInvalidSample))

	_, err = p.Ingest(ctx, sample("u1", 39.9, 181, time.Now()))
	assert.True(t, errors.HasCode(err, errors.CodeInvalidSample))

	_, err = p.Ingest(ctx, sample("u1", -90, -180, time.Now()))
	assert.NoError(t, err)
}

func TestValidateAccuracyCap(t *testing.T) {
	p := newTestPipeline(t)
	in := sample("u1", 39.9, 116.4, time.Now())
	bad := 600.0
	in.Accuracy = &bad

	_, err := p.Ingest(context.Background(), in)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidSample))
}

func TestImplausibleSpeedIsSoftFlag(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now()

	_, err := p.Ingest(ctx, sample("u1", 39.9000, 116.4000, now))
	require.NoError(t, err)

	// 10 秒位移约 1.1 公里，隐含速度远超 12.5 m/s：接受但打标
	res, err := p.Ingest(ctx, sample("u1", 39.9100, 116.4000, now.Add(10*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.IsAnomalous)

	var stored models.LocationSample
	require.NoError(t, p.db.Where("id = ?", res.SampleID).First(&stored).Error)
	assert.True(t, stored.IsAnomalous)
}

func TestSignatureReplayRejected(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now()

	in := sample("u1", 39.9, 116.4, now)
	in.Signature = "sig-abc"
	_, err := p.Ingest(ctx, in)
	require.NoError(t, err)

	replay := sample("u1", 39.9001, 116.4001, now.Add(time.Second))
	replay.Signature = "sig-abc"
	_, err = p.Ingest(ctx, replay)
	assert.True(t, errors.HasCode(err, errors.CodeReplayedSignature))
}

func TestBatchIsolatesFailures(t *testing.T) {
	p := newTestPipeline(t)
	now := time.Now()

	result := p.IngestBatch(context.Background(), []*SampleInput{
		sample("u1", 39.9000, 116.4000, now),
		sample("u1", 91.0, 116.4000, now.Add(time.Second)), // 非法纬度
		sample("u1", 39.9001, 116.4001, now.Add(2*time.Second)),
	})

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.Messages, 1)
}

func TestSessionAccumulation(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now()

	first := sample("u1", 39.9000, 116.4000, now)
	first.SessionID = "sess-1"
	_, err := p.Ingest(ctx, first)
	require.NoError(t, err)

	// 北移 0.001 度，约 111 米
	second := sample("u1", 39.9010, 116.4000, now.Add(30*time.Second))
	second.SessionID = "sess-1"
	_, err = p.Ingest(ctx, second)
	require.NoError(t, err)

	dist, dur := p.SessionStats(ctx, "sess-1", "u1")
	assert.InDelta(t, 111.2, dist, 1.0)
	assert.Equal(t, 30*time.Second, dur)
}
