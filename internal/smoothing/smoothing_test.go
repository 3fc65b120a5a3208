package smoothing

import (
	"context"
	"testing"
	"time"

	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/geo"

	"github.com/stretchr/testify/assert"
)

func newTestSmoother(t *testing.T) *Smoother {
	t.Helper()
	c := cache.NewGoCache(cache.LocalConfig{})
	t.Cleanup(func() { _ = c.Close() })
	return NewSmoother(c, DefaultConfig())
}

func TestSmootherConvergesToConstant(t *testing.T) {
	s := newTestSmoother(t)
	ctx := context.Background()
	at := time.Now()

	var lat float64
	for i := 0; i < 10; i++ {
		lat, _, _ = s.Smooth(ctx, "u1", 39.9042, 116.4074, 2.5, at)
		at = at.Add(time.Second)
	}

	// 喂恒定值几轮后估计值收敛到该值
	assert.InDelta(t, 39.9042, lat, 1e-6)
}

func TestSmootherDampsOutlier(t *testing.T) {
	s := newTestSmoother(t)
	ctx := context.Background()
	at := time.Now()

	for i := 0; i < 5; i++ {
		s.Smooth(ctx, "u1", 39.9042, 116.4074, 2.5, at)
		at = at.Add(time.Second)
	}

	// 约 1000 米的跳变（纬度 0.009 度）应被抑制而不是全量跟随
	jumpLat := 39.9042 + 0.009
	lat, _, _ := s.Smooth(ctx, "u1", jumpLat, 116.4074, 2.5, at)

	assert.Less(t, lat, jumpLat-0.004, "outlier should be damped")
	assert.Greater(t, lat, 39.9042, "estimate should still move toward the measurement")
}

func TestSmootherResetsAfterGap(t *testing.T) {
	s := newTestSmoother(t)
	ctx := context.Background()
	at := time.Now()

	for i := 0; i < 5; i++ {
		s.Smooth(ctx, "u1", 39.9042, 116.4074, 2.5, at)
		at = at.Add(time.Second)
	}

	// 超过 30 秒的间隔后状态重置：新测量值直接作为初始估计
	at = at.Add(time.Minute)
	lat, lon, _ := s.Smooth(ctx, "u1", 31.2304, 121.4737, 3.0, at)
	assert.Equal(t, 31.2304, lat)
	assert.Equal(t, 121.4737, lon)
}

func TestSmootherIndependentUsers(t *testing.T) {
	s := newTestSmoother(t)
	ctx := context.Background()
	at := time.Now()

	s.Smooth(ctx, "u1", 39.9, 116.4, 1, at)
	lat, _, _ := s.Smooth(ctx, "u2", 31.2, 121.4, 1, at)

	assert.Equal(t, 31.2, lat)
}

func TestRemoveOutliers(t *testing.T) {
	base := time.Now()
	mk := func(lat, lon float64, sec int) Sample {
		return Sample{Point: geo.Point{Lat: lat, Lon: lon}, At: base.Add(time.Duration(sec) * time.Second)}
	}

	t.Run("drops teleport point", func(t *testing.T) {
		samples := []Sample{
			mk(39.90000, 116.40000, 0),
			mk(39.90005, 116.40005, 5),
			mk(39.95000, 116.40005, 6), // 1 秒内跳 5 公里
			mk(39.90010, 116.40010, 10),
		}
		kept := RemoveOutliers(samples, 100)
		assert.Len(t, kept, 3)
	})

	t.Run("keeps slow drift", func(t *testing.T) {
		samples := []Sample{
			mk(39.90000, 116.40000, 0),
			mk(39.90010, 116.40000, 10),
			mk(39.90020, 116.40000, 20),
		}
		kept := RemoveOutliers(samples, 100)
		assert.Len(t, kept, 3)
	})

	t.Run("threshold scales with gap", func(t *testing.T) {
		// 10 分钟间隔允许最多 9000 米位移（600s × 15 m/s）
		samples := []Sample{
			mk(39.90, 116.40, 0),
			mk(39.94, 116.40, 600), // 约 4.4 公里
		}
		kept := RemoveOutliers(samples, 100)
		assert.Len(t, kept, 2)
	})
}

func TestSlidingAverage(t *testing.T) {
	base := time.Now()
	samples := []Sample{
		{Point: geo.Point{Lat: 0, Lon: 0}, At: base},
		{Point: geo.Point{Lat: 1, Lon: 0}, At: base.Add(time.Second)},
		{Point: geo.Point{Lat: 0, Lon: 0}, At: base.Add(2 * time.Second)},
	}

	out := SlidingAverage(samples, 3)
	assert.Len(t, out, 3)
	// 中间点被邻居拉平
	assert.InDelta(t, 1.0/3, out[1].Point.Lat, 1e-9)
	// 时间戳不变
	assert.Equal(t, samples[1].At, out[1].At)
}

func TestEMA(t *testing.T) {
	e := NewEMA(0.5)
	assert.Equal(t, 10.0, e.Update(10))
	assert.Equal(t, 15.0, e.Update(20))
	assert.Equal(t, 15.0, e.Value())
}
