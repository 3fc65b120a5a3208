package smoothing

import (
	"time"

	"HibiscusTrack/pkg/geo"
)

// Sample 带时间戳的轨迹点（批处理路径用）
type Sample struct {
	Point geo.Point
	At    time.Time
}

// 批处理离群判定的速度系数（m/s）：Δt 越大允许的位移越大
const outlierSpeedFactor = 15.0

// RemoveOutliers 历史轨迹的离群点剔除：到前一保留点的隐含速度超过
// max(fixedThresholdMeters, Δt×15 m/s) 时丢弃该点。首点总是保留。
func RemoveOutliers(samples []Sample, fixedThresholdMeters float64) []Sample {
	if len(samples) <= 1 {
		return samples
	}

	kept := make([]Sample, 0, len(samples))
	kept = append(kept, samples[0])

	for _, s := range samples[1:] {
		prev := kept[len(kept)-1]
		dist := geo.Distance(prev.Point, s.Point)
		dt := s.At.Sub(prev.At).Seconds()

		threshold := fixedThresholdMeters
		if dt > 0 && dt*outlierSpeedFactor > threshold {
			threshold = dt * outlierSpeedFactor
		}
		if dist > threshold {
			continue // 跳变点
		}
		kept = append(kept, s)
	}
	return kept
}

// SlidingAverage 滑动窗口均值平滑，窗口以当前点为中心
func SlidingAverage(samples []Sample, window int) []Sample {
	if window <= 1 || len(samples) < 3 {
		return samples
	}

	half := window / 2
	out := make([]Sample, len(samples))
	for i := range samples {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi >= len(samples) {
			hi = len(samples) - 1
		}

		var sumLat, sumLon float64
		n := 0
		for j := lo; j <= hi; j++ {
			sumLat += samples[j].Point.Lat
			sumLon += samples[j].Point.Lon
			n++
		}
		out[i] = Sample{
			Point: geo.Point{Lat: sumLat / float64(n), Lon: sumLon / float64(n)},
			At:    samples[i].At,
		}
	}
	return out
}

// Clean 批处理路径的标准组合：先剔离群点再滑动平均
func Clean(samples []Sample, fixedThresholdMeters float64, window int) []Sample {
	return SlidingAverage(RemoveOutliers(samples, fixedThresholdMeters), window)
}

// EMA 指数移动平均，给不需要卡尔曼滤波的简单消费方
type EMA struct {
	alpha       float64
	value       float64
	initialized bool
}

// NewEMA alpha ∈ (0,1]，越大越跟随新值
func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &EMA{alpha: alpha}
}

func (e *EMA) Update(v float64) float64 {
	if !e.initialized {
		e.value = v
		e.initialized = true
		return v
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
	return e.value
}

func (e *EMA) Value() float64 { return e.value }
