package route

import (
	"context"
	"time"

	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/smoothing"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geo"

	"gorm.io/gorm"
)

// Route 重建后的轨迹
type Route struct {
	Points          []geo.Point   `json:"points"`
	DistanceMeters  float64       `json:"distance_meters"`
	Duration        time.Duration `json:"duration"`
	AvgPaceMinPerKm float64       `json:"avg_pace_min_per_km"` // 0 表示里程不足无法计算
	Polyline        string        `json:"polyline"`
	SampleCount     int           `json:"sample_count"` // 清洗前的原始样本数
}

// Config 重建参数
type Config struct {
	// 跳变点剔除的固定距离阈值（米）
	OutlierThresholdMeters float64

	// 滑动平均窗口大小
	SmoothingWindow int

	// 单条轨迹返回的点数上限，超出时做等步长抽稀
	MaxPoints int
}

// DefaultConfig 默认重建参数
func DefaultConfig() Config {
	return Config{
		OutlierThresholdMeters: 100,
		SmoothingWindow:        3,
		MaxPoints:              500,
	}
}

// Reconstructor 把存储的采样回放成清洗过的、带里程和配速标注的轨迹
type Reconstructor struct {
	db     *gorm.DB
	config Config
}

// NewReconstructor 创建轨迹重建器
func NewReconstructor(db *gorm.DB, config Config) *Reconstructor {
	if config.OutlierThresholdMeters <= 0 {
		config.OutlierThresholdMeters = 100
	}
	if config.SmoothingWindow <= 0 {
		config.SmoothingWindow = 3
	}
	if config.MaxPoints <= 0 {
		config.MaxPoints = 500
	}
	return &Reconstructor{db: db, config: config}
}

// Reconstruct 按时间序处理采样：去跳变、平滑、累计里程、时长、均配速、编码折线
func (r *Reconstructor) Reconstruct(samples []models.LocationSample) *Route {
	route := &Route{SampleCount: len(samples)}
	if len(samples) == 0 {
		return route
	}

	raw := make([]smoothing.Sample, 0, len(samples))
	for _, s := range samples {
		raw = append(raw, smoothing.Sample{
			Point: geo.Point{Lat: s.Latitude, Lon: s.Longitude},
			At:    s.RecordedAt,
		})
	}
	cleaned := smoothing.Clean(raw, r.config.OutlierThresholdMeters, r.config.SmoothingWindow)
	if len(cleaned) == 0 {
		return route
	}

	points := make([]geo.Point, len(cleaned))
	for i, s := range cleaned {
		points[i] = s.Point
	}
	points = Simplify(points, r.config.MaxPoints)

	for i := 1; i < len(points); i++ {
		route.DistanceMeters += geo.Distance(points[i-1], points[i])
	}
	route.Duration = cleaned[len(cleaned)-1].At.Sub(cleaned[0].At)
	if route.DistanceMeters >= 1 {
		km := route.DistanceMeters / 1000
		route.AvgPaceMinPerKm = route.Duration.Minutes() / km
	}
	route.Points = points
	route.Polyline = geo.EncodePolyline(points)
	return route
}

// Simplify 等步长抽稀，保首尾。明确是比曲线简化便宜的折衷，不保证最优形状。
func Simplify(points []geo.Point, maxPoints int) []geo.Point {
	if maxPoints < 2 || len(points) <= maxPoints {
		return points
	}

	out := make([]geo.Point, 0, maxPoints)
	stride := float64(len(points)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints-1; i++ {
		out = append(out, points[int(float64(i)*stride)])
	}
	out = append(out, points[len(points)-1])
	return out
}

// SessionRoute 会话内某用户的轨迹
func (r *Reconstructor) SessionRoute(ctx context.Context, sessionID, userID string) (*Route, error) {
	var samples []models.LocationSample
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("recorded_at asc").
		Find(&samples).Error
	if err != nil {
		return nil, errors.Wrap(err, "load session samples")
	}
	if len(samples) == 0 {
		return nil, errors.WithCodef(errors.CodeNotFound, "no samples for user %s in session %s", userID, sessionID)
	}
	return r.Reconstruct(samples), nil
}

// SoloRoute 单人跑的轨迹
func (r *Reconstructor) SoloRoute(ctx context.Context, soloRunID string) (*Route, error) {
	var samples []models.LocationSample
	err := r.db.WithContext(ctx).
		Where("solo_run_id = ?", soloRunID).
		Order("recorded_at asc").
		Find(&samples).Error
	if err != nil {
		return nil, errors.Wrap(err, "load solo run samples")
	}
	if len(samples) == 0 {
		return nil, errors.WithCodef(errors.CodeNotFound, "no samples for solo run %s", soloRunID)
	}
	return r.Reconstruct(samples), nil
}
