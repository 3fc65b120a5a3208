package smoothing

import (
	"context"
	"encoding/json"
	"time"

	"HibiscusTrack/pkg/cache"
)

// scalarFilter 一维卡尔曼滤波器
type scalarFilter struct {
	Estimate      float64 `json:"estimate"`
	ErrorEstimate float64 `json:"error_estimate"`
	Initialized   bool    `json:"initialized"`
}

// update 标准的预测-校正循环
func (f *scalarFilter) update(measurement, processNoise, measurementNoise float64) float64 {
	if !f.Initialized {
		f.Estimate = measurement
		f.ErrorEstimate = measurementNoise
		f.Initialized = true
		return f.Estimate
	}

	f.ErrorEstimate += processNoise
	gain := f.ErrorEstimate / (f.ErrorEstimate + measurementNoise)
	f.Estimate += gain * (measurement - f.Estimate)
	f.ErrorEstimate *= 1 - gain
	return f.Estimate
}

// filterState 每用户三个独立滤波器：纬度、经度、速度
type filterState struct {
	Lat       scalarFilter `json:"lat"`
	Lon       scalarFilter `json:"lon"`
	Speed     scalarFilter `json:"speed"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Config 滤波参数
type Config struct {
	ProcessNoise     float64
	MeasurementNoise float64

	// 与上次更新的间隔超过该值时丢弃状态重新初始化，
	// 避免上一段活动的收敛值渗入新活动
	ResetGap time.Duration

	// 滤波状态在缓存中的存活时间
	StateTTL time.Duration
}

// DefaultConfig 默认滤波参数
func DefaultConfig() Config {
	return Config{
		ProcessNoise:     1e-5,
		MeasurementNoise: 1e-3,
		ResetGap:         30 * time.Second,
		StateTTL:         10 * time.Minute,
	}
}

// Smoother 实时信号平滑器。滤波状态放缓存而不是进程内存，
// 多个 ingest worker 处理同一用户时共享收敛进度。
type Smoother struct {
	cache  cache.Cache
	config Config
}

// NewSmoother 创建平滑器
func NewSmoother(c cache.Cache, config Config) *Smoother {
	if config.ResetGap <= 0 {
		config.ResetGap = 30 * time.Second
	}
	if config.StateTTL <= 0 {
		config.StateTTL = 10 * time.Minute
	}
	return &Smoother{cache: c, config: config}
}

func stateKey(userID string) string { return "smoother:" + userID }

// Smooth 对单个采样做滤波，返回平滑后的纬度、经度、速度
func (s *Smoother) Smooth(ctx context.Context, userID string, lat, lon, speed float64, at time.Time) (float64, float64, float64) {
	state := s.loadState(ctx, userID)

	// 间隔过大视为新活动，丢弃旧状态
	if !state.UpdatedAt.IsZero() && at.Sub(state.UpdatedAt) > s.config.ResetGap {
		state = &filterState{}
	}

	outLat := state.Lat.update(lat, s.config.ProcessNoise, s.config.MeasurementNoise)
	outLon := state.Lon.update(lon, s.config.ProcessNoise, s.config.MeasurementNoise)
	outSpeed := state.Speed.update(speed, s.config.ProcessNoise, s.config.MeasurementNoise)
	state.UpdatedAt = at

	s.saveState(ctx, userID, state)
	return outLat, outLon, outSpeed
}

// Reset 丢弃某用户的滤波状态
func (s *Smoother) Reset(ctx context.Context, userID string) {
	_ = s.cache.Delete(ctx, stateKey(userID))
}

func (s *Smoother) loadState(ctx context.Context, userID string) *filterState {
	state := &filterState{}
	raw, ok := s.cache.Get(ctx, stateKey(userID))
	if !ok {
		return state
	}
	str, ok := raw.(string)
	if !ok {
		return state
	}
	if err := json.Unmarshal([]byte(str), state); err != nil {
		return &filterState{}
	}
	return state
}

func (s *Smoother) saveState(ctx context.Context, userID string, state *filterState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, stateKey(userID), string(data), s.config.StateTTL)
}
