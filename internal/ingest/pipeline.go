package ingest

import (
	"context"
	"encoding/json"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/smoothing"
	"HibiscusTrack/internal/status"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/geoindex"
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/metrics"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SampleInput 上报的位置采样
type SampleInput struct {
	UserID    string   `json:"user_id" binding:"required"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Battery   *int     `json:"battery,omitempty"`
	Signature string   `json:"signature,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	SoloRunID string   `json:"solo_run_id,omitempty"`

	// 零值时取服务端当前时间
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// Result 单条采样的处理结果
type Result struct {
	SampleID    string              `json:"sample_id"`
	IsAnomalous bool                `json:"is_anomalous"`
	Status      status.RunnerStatus `json:"status"`

	SmoothedLatitude  float64 `json:"smoothed_latitude"`
	SmoothedLongitude float64 `json:"smoothed_longitude"`
	SmoothedSpeed     float64 `json:"smoothed_speed"`
}

// BatchResult 批量摄入结果，单条失败不影响其余
type BatchResult struct {
	Processed int      `json:"processed"`
	Errors    int      `json:"errors"`
	Messages  []string `json:"messages,omitempty"`
}

// Config 校验参数
type Config struct {
	MaxAccuracyMeters float64       // 精度硬上限，默认 500
	MaxPlausibleSpeed float64       // 隐含速度软上限 m/s，默认 12.5
	ReplayWindow      time.Duration // 隐含速度判定窗口，默认 5 分钟
	SignatureTTL      time.Duration // 签名防重放窗口，默认 1 小时
}

// DefaultConfig 默认校验参数
func DefaultConfig() Config {
	return Config{
		MaxAccuracyMeters: 500,
		MaxPlausibleSpeed: 12.5,
		ReplayWindow:      5 * time.Minute,
		SignatureTTL:      time.Hour,
	}
}

// lastSample 上一条有效采样，隐含速度判定用
type lastSample struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

// Pipeline 位置摄入管线：校验、落库、更新索引、累计会话里程、平滑、状态判定
type Pipeline struct {
	db        *gorm.DB
	index     geoindex.Index
	cache     cache.Cache
	smoother  *smoothing.Smoother
	detector  *status.Detector
	publisher broadcast.Publisher
	config    Config

	// 进程内一级防重放，命中时省一次缓存往返
	seenSignatures *lru.Cache[string, struct{}]
}

// NewPipeline 创建摄入管线
func NewPipeline(db *gorm.DB, index geoindex.Index, c cache.Cache, smoother *smoothing.Smoother, detector *status.Detector, publisher broadcast.Publisher, config Config) *Pipeline {
	if config.MaxAccuracyMeters <= 0 {
		config.MaxAccuracyMeters = 500
	}
	if config.MaxPlausibleSpeed <= 0 {
		config.MaxPlausibleSpeed = 12.5
	}
	if config.ReplayWindow <= 0 {
		config.ReplayWindow = 5 * time.Minute
	}
	if config.SignatureTTL <= 0 {
		config.SignatureTTL = time.Hour
	}
	if publisher == nil {
		publisher = broadcast.NopPublisher{}
	}

	seen, _ := lru.New[string, struct{}](4096)
	return &Pipeline{
		db:             db,
		index:          index,
		cache:          c,
		smoother:       smoother,
		detector:       detector,
		publisher:      publisher,
		config:         config,
		seenSignatures: seen,
	}
}

func lastSampleKey(userID string) string { return "ingest:last:" + userID }
func replayKey(signature string) string  { return "ingest:sig:" + signature }

// Validate 结构校验 + 防重放 + 隐含速度软标记。
// 坐标越界和精度超上限同步拒绝；隐含速度超限只打 anomalous 标记不拒绝。
func (p *Pipeline) Validate(ctx context.Context, in *SampleInput) (bool, error) {
	if !geo.ValidLatLon(in.Latitude, in.Longitude) {
		return false, errors.WithCodef(errors.CodeInvalidSample, "coordinates out of range: (%f, %f)", in.Latitude, in.Longitude)
	}
	if in.Accuracy != nil && *in.Accuracy > p.config.MaxAccuracyMeters {
		return false, errors.WithCodef(errors.CodeInvalidSample, "accuracy %.0fm exceeds cap %.0fm", *in.Accuracy, p.config.MaxAccuracyMeters)
	}

	if in.Signature != "" {
		if err := p.checkReplay(ctx, in.Signature); err != nil {
			return false, err
		}
	}

	anomalous := false
	if prev := p.loadLastSample(ctx, in.UserID); prev != nil {
		dt := in.RecordedAt.Sub(prev.At)
		if dt > 0 && dt <= p.config.ReplayWindow {
			dist := geo.Distance(geo.Point{Lat: prev.Lat, Lon: prev.Lon}, geo.Point{Lat: in.Latitude, Lon: in.Longitude})
			if dist/dt.Seconds() > p.config.MaxPlausibleSpeed {
				anomalous = true
			}
		}
	}
	return anomalous, nil
}

// Ingest 处理单条采样
func (p *Pipeline) Ingest(ctx context.Context, in *SampleInput) (*Result, error) {
	start := time.Now()
	if in.RecordedAt.IsZero() {
		in.RecordedAt = time.Now()
	}

	anomalous, err := p.Validate(ctx, in)
	if err != nil {
		metrics.SamplesIngested.WithLabelValues("rejected").Inc()
		return nil, err
	}

	sample := &models.LocationSample{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		SoloRunID:   in.SoloRunID,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		Altitude:    in.Altitude,
		Accuracy:    in.Accuracy,
		Speed:       in.Speed,
		Heading:     in.Heading,
		Battery:     in.Battery,
		Signature:   in.Signature,
		IsAnomalous: anomalous,
		RecordedAt:  in.RecordedAt,
	}
	if err := p.db.WithContext(ctx).Create(sample).Error; err != nil {
		return nil, errors.Wrap(err, "persist sample")
	}

	if err := p.index.Upsert(ctx, in.UserID, in.Longitude, in.Latitude, in.SessionID); err != nil {
		// 索引落后一拍可以接受，下一条采样会覆盖
		logger.Warn("geoindex upsert failed", zap.String("user_id", in.UserID), zap.Error(err))
	}

	p.accumulateSession(ctx, in)
	p.saveLastSample(ctx, in)

	speed := 0.0
	if in.Speed != nil {
		speed = *in.Speed
	}
	smLat, smLon, smSpeed := p.smoother.Smooth(ctx, in.UserID, in.Latitude, in.Longitude, speed, in.RecordedAt)

	st, err := p.detector.OnSample(ctx, in.UserID, smLat, smLon, smSpeed, in.SessionID, in.Battery, in.RecordedAt)
	if err != nil {
		logger.Warn("status update failed", zap.String("user_id", in.UserID), zap.Error(err))
	}

	p.publisher.Publish(ctx, broadcast.ChannelLocationUpdate, broadcast.Event{
		Type:         "location_update",
		TargetUserID: in.UserID,
		SessionID:    in.SessionID,
		Payload: map[string]interface{}{
			"user_id":   in.UserID,
			"latitude":  smLat,
			"longitude": smLon,
			"speed":     smSpeed,
			"status":    string(st),
			"anomalous": anomalous,
		},
	})

	if anomalous {
		metrics.SamplesIngested.WithLabelValues("anomalous").Inc()
	} else {
		metrics.SamplesIngested.WithLabelValues("accepted").Inc()
	}
	metrics.IngestDuration.Observe(time.Since(start).Seconds())

	return &Result{
		SampleID:          sample.ID,
		IsAnomalous:       anomalous,
		Status:            st,
		SmoothedLatitude:  smLat,
		SmoothedLongitude: smLon,
		SmoothedSpeed:     smSpeed,
	}, nil
}

// IngestBatch 逐条独立处理，单条失败不中断整批
func (p *Pipeline) IngestBatch(ctx context.Context, items []*SampleInput) *BatchResult {
	result := &BatchResult{}
	for _, item := range items {
		if _, err := p.Ingest(ctx, item); err != nil {
			result.Errors++
			result.Messages = append(result.Messages, errors.GetMessage(err))
			continue
		}
		result.Processed++
	}
	return result
}

// SessionStats 读取某用户在会话内的累计里程（米）和时长
func (p *Pipeline) SessionStats(ctx context.Context, sessionID, userID string) (float64, time.Duration) {
	var distCm, durMs int64
	if raw, ok := p.cache.Get(ctx, sessionDistKey(sessionID, userID)); ok {
		distCm = toInt64(raw)
	}
	if raw, ok := p.cache.Get(ctx, sessionDurKey(sessionID, userID)); ok {
		durMs = toInt64(raw)
	}
	return float64(distCm) / 100, time.Duration(durMs) * time.Millisecond
}

func sessionDistKey(sessionID, userID string) string {
	return "session:dist:" + sessionID + ":" + userID
}

func sessionDurKey(sessionID, userID string) string {
	return "session:dur:" + sessionID + ":" + userID
}

// accumulateSession 里程按厘米、时长按毫秒整数累加，
// 走缓存的原子自增，多个 worker 并发摄入同一用户也不丢数
func (p *Pipeline) accumulateSession(ctx context.Context, in *SampleInput) {
	if in.SessionID == "" {
		return
	}
	prev := p.loadLastSample(ctx, in.UserID)
	if prev == nil {
		return
	}
	dt := in.RecordedAt.Sub(prev.At)
	if dt <= 0 || dt > p.config.ReplayWindow {
		return
	}

	dist := geo.Distance(geo.Point{Lat: prev.Lat, Lon: prev.Lon}, geo.Point{Lat: in.Latitude, Lon: in.Longitude})
	if _, err := p.cache.Increment(ctx, sessionDistKey(in.SessionID, in.UserID), int64(dist*100)); err != nil {
		logger.Warn("accumulate session distance", zap.Error(err))
	}
	if _, err := p.cache.Increment(ctx, sessionDurKey(in.SessionID, in.UserID), dt.Milliseconds()); err != nil {
		logger.Warn("accumulate session duration", zap.Error(err))
	}
}

// checkReplay 签名一小时内只接受一次
func (p *Pipeline) checkReplay(ctx context.Context, signature string) error {
	if _, hit := p.seenSignatures.Get(signature); hit {
		return errors.WithCode(errors.CodeReplayedSignature, "signature replayed")
	}
	ok, err := p.cache.SetNX(ctx, replayKey(signature), "1", p.config.SignatureTTL)
	if err != nil {
		return errors.Wrap(err, "replay cache")
	}
	if !ok {
		p.seenSignatures.Add(signature, struct{}{})
		return errors.WithCode(errors.CodeReplayedSignature, "signature replayed")
	}
	p.seenSignatures.Add(signature, struct{}{})
	return nil
}

func (p *Pipeline) loadLastSample(ctx context.Context, userID string) *lastSample {
	raw, ok := p.cache.Get(ctx, lastSampleKey(userID))
	if !ok {
		return nil
	}
	str, ok := raw.(string)
	if !ok {
		return nil
	}
	prev := &lastSample{}
	if err := json.Unmarshal([]byte(str), prev); err != nil {
		return nil
	}
	return prev
}

func (p *Pipeline) saveLastSample(ctx context.Context, in *SampleInput) {
	data, err := json.Marshal(&lastSample{Lat: in.Latitude, Lon: in.Longitude, At: in.RecordedAt})
	if err != nil {
		return
	}
	_ = p.cache.Set(ctx, lastSampleKey(in.UserID), string(data), p.config.ReplayWindow)
}

func toInt64(raw interface{}) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
