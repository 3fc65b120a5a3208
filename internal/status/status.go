package status

import (
	"context"
	"encoding/json"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/errors"
)

// RunnerStatus 跑者离散状态
type RunnerStatus string

const (
	StatusOffline   RunnerStatus = "OFFLINE"
	StatusIdle      RunnerStatus = "IDLE"
	StatusMoving    RunnerStatus = "MOVING"
	StatusPaused    RunnerStatus = "PAUSED"
	StatusInSession RunnerStatus = "IN_SESSION"
	StatusSosActive RunnerStatus = "SOS_ACTIVE"
)

// RunnerState 短时状态，TTL 约束，按用户为粒度读写
type RunnerState struct {
	UserID    string       `json:"user_id"`
	Status    RunnerStatus `json:"status"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Speed     float64      `json:"speed"`
	Battery   *int         `json:"battery,omitempty"`
	SessionID string       `json:"session_id,omitempty"`

	// 速度低于阈值的起始时刻，用于 PAUSED 判定
	StationarySince time.Time `json:"stationary_since,omitempty"`

	// SOS_ACTIVE 的保持截止时间，只由 SOS 协调器设置
	SosUntil time.Time `json:"sos_until,omitempty"`

	LastUpdate time.Time `json:"last_update"`
}

// Config 状态判定参数
type Config struct {
	MovingThreshold float64       // m/s，默认 0.5
	PausedTimeout   time.Duration // 默认 600s
	OfflineTimeout  time.Duration // 默认 45s
	SosMaxHold      time.Duration // SOS_ACTIVE 最长保持，默认 1h
	StateTTL        time.Duration
}

// DefaultConfig 默认判定参数
func DefaultConfig() Config {
	return Config{
		MovingThreshold: 0.5,
		PausedTimeout:   600 * time.Second,
		OfflineTimeout:  45 * time.Second,
		SosMaxHold:      time.Hour,
		StateTTL:        30 * time.Minute,
	}
}

// Detector 从采样和心跳推导跑者状态。
// OFFLINE 从不作为转移目标写入，读取时按 last-update 的新鲜度推导。
type Detector struct {
	cache     cache.Cache
	publisher broadcast.Publisher
	config    Config
}

// NewDetector 创建状态判定器
func NewDetector(c cache.Cache, publisher broadcast.Publisher, config Config) *Detector {
	if config.MovingThreshold <= 0 {
		config.MovingThreshold = 0.5
	}
	if config.PausedTimeout <= 0 {
		config.PausedTimeout = 600 * time.Second
	}
	if config.OfflineTimeout <= 0 {
		config.OfflineTimeout = 45 * time.Second
	}
	if config.SosMaxHold <= 0 {
		config.SosMaxHold = time.Hour
	}
	if config.StateTTL <= 0 {
		config.StateTTL = 30 * time.Minute
	}
	if publisher == nil {
		publisher = broadcast.NopPublisher{}
	}
	return &Detector{cache: c, publisher: publisher, config: config}
}

func stateKey(userID string) string { return "runner:state:" + userID }

// OnSample 位置采样驱动的状态更新，返回更新后的状态
func (d *Detector) OnSample(ctx context.Context, userID string, lat, lon, speed float64, sessionID string, battery *int, at time.Time) (RunnerStatus, error) {
	state := d.loadState(ctx, userID)
	if state == nil {
		state = &RunnerState{UserID: userID}
	}
	prev := state.Status

	state.Latitude = lat
	state.Longitude = lon
	state.Speed = speed
	if battery != nil {
		state.Battery = battery
	}
	if sessionID != "" {
		state.SessionID = sessionID
	}

	if state.Status == StatusSosActive && at.Before(state.SosUntil) {
		// SOS 保持期内只刷新位置，不做常规判定
		state.LastUpdate = at
		return StatusSosActive, d.saveState(ctx, state)
	}

	moving := speed >= d.config.MovingThreshold
	if moving {
		state.StationarySince = time.Time{}
	} else if state.StationarySince.IsZero() {
		state.StationarySince = at
	}

	inSession := state.SessionID != ""
	switch {
	case inSession && moving:
		state.Status = StatusMoving
	case inSession && !state.StationarySince.IsZero() && at.Sub(state.StationarySince) > d.config.PausedTimeout:
		state.Status = StatusPaused
	case inSession:
		state.Status = StatusInSession
	case moving:
		state.Status = StatusMoving
	default:
		state.Status = StatusIdle
	}
	state.LastUpdate = at

	if err := d.saveState(ctx, state); err != nil {
		return state.Status, err
	}
	if prev != state.Status {
		d.publishChange(ctx, state)
	}
	return state.Status, nil
}

// Heartbeat 无位置采样时刷新存活和电量
func (d *Detector) Heartbeat(ctx context.Context, userID string, battery *int, at time.Time) error {
	state := d.loadState(ctx, userID)
	if state == nil {
		state = &RunnerState{UserID: userID, Status: StatusIdle}
	}
	if battery != nil {
		state.Battery = battery
	}
	state.LastUpdate = at
	return d.saveState(ctx, state)
}

// Get 读取状态。last-update 超过离线阈值时覆盖为 OFFLINE；
// 没有任何状态记录的用户返回 CodeNotFound。
func (d *Detector) Get(ctx context.Context, userID string, now time.Time) (*RunnerState, error) {
	state := d.loadState(ctx, userID)
	if state == nil {
		return nil, errors.WithCodef(errors.CodeNotFound, "no state for user %s", userID)
	}

	if now.Sub(state.LastUpdate) > d.config.OfflineTimeout {
		state.Status = StatusOffline
		return state, nil
	}
	// SOS 保持期已过但未显式清除时退化为常规状态
	if state.Status == StatusSosActive && now.After(state.SosUntil) {
		if state.SessionID != "" {
			state.Status = StatusInSession
		} else {
			state.Status = StatusIdle
		}
	}
	return state, nil
}

// SetSosActive 由 SOS 协调器调用，状态强制进入 SOS_ACTIVE 并保持
func (d *Detector) SetSosActive(ctx context.Context, userID string, at time.Time) error {
	state := d.loadState(ctx, userID)
	if state == nil {
		state = &RunnerState{UserID: userID}
	}
	state.Status = StatusSosActive
	state.SosUntil = at.Add(d.config.SosMaxHold)
	state.LastUpdate = at

	if err := d.saveState(ctx, state); err != nil {
		return err
	}
	d.publishChange(ctx, state)
	return nil
}

// ClearSos 显式解除 SOS 保持
func (d *Detector) ClearSos(ctx context.Context, userID string, at time.Time) error {
	state := d.loadState(ctx, userID)
	if state == nil || state.Status != StatusSosActive {
		return nil
	}
	state.SosUntil = time.Time{}
	if state.SessionID != "" {
		state.Status = StatusInSession
	} else {
		state.Status = StatusIdle
	}
	state.LastUpdate = at

	if err := d.saveState(ctx, state); err != nil {
		return err
	}
	d.publishChange(ctx, state)
	return nil
}

// MarkOffline 断连宽限期后的显式下线（广播总线调用）
func (d *Detector) MarkOffline(ctx context.Context, userID string) error {
	state := d.loadState(ctx, userID)
	if state == nil {
		return nil
	}
	// 把 last-update 拨回到离线阈值之前，读取路径自然推导 OFFLINE
	state.LastUpdate = time.Now().Add(-d.config.OfflineTimeout - time.Second)
	return d.saveState(ctx, state)
}

func (d *Detector) publishChange(ctx context.Context, state *RunnerState) {
	d.publisher.Publish(ctx, broadcast.ChannelRunnerStatus, broadcast.Event{
		Type:         "status_changed",
		TargetUserID: state.UserID,
		SessionID:    state.SessionID,
		Payload: map[string]interface{}{
			"user_id": state.UserID,
			"status":  string(state.Status),
		},
	})
}

func (d *Detector) loadState(ctx context.Context, userID string) *RunnerState {
	raw, ok := d.cache.Get(ctx, stateKey(userID))
	if !ok {
		return nil
	}
	str, ok := raw.(string)
	if !ok {
		return nil
	}
	state := &RunnerState{}
	if err := json.Unmarshal([]byte(str), state); err != nil {
		return nil
	}
	return state
}

func (d *Detector) saveState(ctx context.Context, state *RunnerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal runner state")
	}
	return d.cache.Set(ctx, stateKey(state.UserID), string(data), d.config.StateTTL)
}
