package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"HibiscusTrack/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 内部事件通道，固定小集合
const (
	ChannelLocationUpdate = "location.update"
	ChannelRunnerStatus   = "runner.status"
	ChannelSosAlert       = "sos.alert"
	ChannelSosResponder   = "sos.responder"
)

// Event 跨进程广播事件。TargetUserID 与 SessionID 至少有一个非空：
// 前者投递到该用户的所有连接，后者投递到会话房间的所有连接。
type Event struct {
	Type         string                 `json:"type"`
	TargetUserID string                 `json:"target_user_id,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	At           time.Time              `json:"at"`
}

// Publisher 事件发布方。投递 at-most-once、fire-and-forget，
// 失败只记日志，永远不回滚触发它的状态变更。
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event)
}

type redisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher 经 redis pub/sub 的发布器
func NewRedisPublisher(client *redis.Client) Publisher {
	return &redisPublisher{client: client}
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("marshal broadcast event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		logger.Error("publish broadcast event", zap.String("channel", channel), zap.Error(err))
	}
}

// NopPublisher 单测用的空发布器
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, channel string, event Event) {}

// CapturePublisher 单测用：记录发布过的事件
type CapturePublisher struct {
	Events []capturedEvent
}

type capturedEvent struct {
	Channel string
	Event   Event
}

func (c *CapturePublisher) Publish(ctx context.Context, channel string, event Event) {
	c.Events = append(c.Events, capturedEvent{Channel: channel, Event: event})
}
