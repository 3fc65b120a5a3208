package eta

import (
	"math"
	"time"

	"HibiscusTrack/pkg/geo"
)

// Confidence 估算可信度
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Estimate 响应者到受害者的估算结果
type Estimate struct {
	DistanceMeters float64       `json:"distance_meters"`
	BearingDegrees float64       `json:"bearing_degrees"`
	EffectiveSpeed float64       `json:"effective_speed"` // m/s
	Eta            time.Duration `json:"eta"`
	Confidence     Confidence    `json:"confidence"`
	HeadingAligned bool          `json:"heading_aligned"`
}

// Config 估算参数
type Config struct {
	DefaultSpeed           float64 // 假定跑步速度 m/s，默认 2.78（约 10 km/h）
	ArrivalThresholdMeters float64 // 默认 10
}

// DefaultConfig 默认估算参数
func DefaultConfig() Config {
	return Config{
		DefaultSpeed:           2.78,
		ArrivalThresholdMeters: 10,
	}
}

// Estimator 距离/方位/ETA 估算，按朝向契合度加权速度和可信度
type Estimator struct {
	config Config
}

// NewEstimator 创建估算器
func NewEstimator(config Config) *Estimator {
	if config.DefaultSpeed <= 0 {
		config.DefaultSpeed = 2.78
	}
	if config.ArrivalThresholdMeters <= 0 {
		config.ArrivalThresholdMeters = 10
	}
	return &Estimator{config: config}
}

// Estimate 计算响应者到受害者的距离、方位与 ETA。
// heading/speed 可缺省：没有实时速度就用假定速度。
// 朝向偏差 45° 内全速高可信；45–90° 按 cos(Δ) 折减中可信；
// 超过 90° 视为背向，回退假定速度低可信。
func (e *Estimator) Estimate(responder geo.Point, heading, speed *float64, victim geo.Point) Estimate {
	dist := geo.Distance(responder, victim)
	bearing := geo.InitialBearing(responder, victim)

	effective := e.config.DefaultSpeed
	if speed != nil && *speed > 0 {
		effective = *speed
	}

	confidence := ConfidenceMedium
	aligned := false
	if heading != nil {
		delta := geo.HeadingDelta(*heading, bearing)
		switch {
		case delta <= 45:
			confidence = ConfidenceHigh
			aligned = true
		case delta <= 90:
			effective *= math.Cos(delta * math.Pi / 180)
			confidence = ConfidenceMedium
		default:
			effective = e.config.DefaultSpeed
			confidence = ConfidenceLow
		}
	}
	if effective <= 0 {
		effective = e.config.DefaultSpeed
	}

	return Estimate{
		DistanceMeters: dist,
		BearingDegrees: bearing,
		EffectiveSpeed: effective,
		Eta:            time.Duration(dist / effective * float64(time.Second)),
		Confidence:     confidence,
		HeadingAligned: aligned,
	}
}

// HasArrived 距离小于到达阈值即视为到达
func (e *Estimator) HasArrived(responder, victim geo.Point) bool {
	return geo.Distance(responder, victim) <= e.config.ArrivalThresholdMeters
}
