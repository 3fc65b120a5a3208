package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"HibiscusTrack/pkg/geoindex"
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/metrics"
	"HibiscusTrack/pkg/sse"
	"HibiscusTrack/pkg/websocket"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 订阅的事件通道与下行消息类型的对应关系
var channelMessageTypes = map[string]string{
	ChannelLocationUpdate: websocket.MessageTypeLocationUpdate,
	ChannelRunnerStatus:   websocket.MessageTypeRunnerStatus,
	ChannelSosAlert:       websocket.MessageTypeSosAlert,
	ChannelSosResponder:   websocket.MessageTypeSosResponder,
}

// BusConfig 事件总线配置
type BusConfig struct {
	// 用户最后一个连接断开后的宽限期，期满仍未重连才判离线
	OfflineGrace time.Duration
}

// DefaultBusConfig 默认配置
func DefaultBusConfig() BusConfig {
	return BusConfig{
		OfflineGrace: 15 * time.Second,
	}
}

// StatusDetector 是总线所需的状态判定器能力子集，
// 本地声明以避免与 internal/status 形成导入环。
type StatusDetector interface {
	MarkOffline(ctx context.Context, userID string) error
}

// Bus 订阅 redis pub/sub 事件并扇出到本进程的WebSocket连接。
// 每个服务实例各跑一个 Bus，多实例部署下事件经 redis 到达所有实例，
// 由各实例把消息投给自己持有的连接。
type Bus struct {
	client   *redis.Client
	hub      *websocket.Hub
	index    geoindex.Index
	detector StatusDetector
	config   BusConfig
	ops      *sse.Hub

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus 创建事件总线并挂接断连宽限处理
func NewBus(client *redis.Client, hub *websocket.Hub, index geoindex.Index, detector StatusDetector, config BusConfig) *Bus {
	if config.OfflineGrace <= 0 {
		config.OfflineGrace = DefaultBusConfig().OfflineGrace
	}
	bus := &Bus{
		client:   client,
		hub:      hub,
		index:    index,
		detector: detector,
		config:   config,
	}
	hub.SetOfflineHandler(bus.onUserOffline)
	return bus
}

// WithOpsFeed 把 SOS 相关事件额外抄送给运营端 SSE 流（组名 "sos"）
func (b *Bus) WithOpsFeed(hub *sse.Hub) *Bus {
	b.ops = hub
	return b
}

// Start 开始订阅并转发事件，直到 Stop 被调用
func (b *Bus) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.pubsub = b.client.Subscribe(ctx,
		ChannelLocationUpdate,
		ChannelRunnerStatus,
		ChannelSosAlert,
		ChannelSosResponder,
	)

	b.wg.Add(1)
	go b.consume(ctx)
	logger.Info("广播总线已启动")
}

// Stop 停止订阅
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.wg.Wait()
	logger.Info("广播总线已停止")
}

// consume 消费pub/sub消息
func (b *Bus) consume(ctx context.Context) {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch 解码事件并投递到目标连接
func (b *Bus) dispatch(channel string, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("解析广播事件失败", zap.String("channel", channel), zap.Error(err))
		return
	}

	msgType, ok := channelMessageTypes[channel]
	if !ok {
		logger.Warn("未知的事件通道", zap.String("channel", channel))
		return
	}

	message := &websocket.Message{
		Type:      msgType,
		Data:      event.Payload,
		Timestamp: event.At.Unix(),
	}
	if event.Type != "" {
		// 细分事件名随负载下发，客户端按 payload.event 区分
		if message.Data == nil {
			message.Data = map[string]interface{}{}
		}
		if m, ok := message.Data.(map[string]interface{}); ok {
			m["event"] = event.Type
		}
	}

	switch {
	case event.TargetUserID != "":
		b.hub.SendToUser(event.TargetUserID, message)
	case event.SessionID != "":
		b.hub.SendToSession(event.SessionID, message)
	default:
		b.hub.Broadcast(message)
	}
	metrics.EventsBroadcast.WithLabelValues(channel).Inc()

	// SOS 事件抄送调度台
	if b.ops != nil && (channel == ChannelSosAlert || channel == ChannelSosResponder) {
		b.ops.SendToGroupJSON("sos", event)
	}
}

// onUserOffline 用户最后一个连接断开。等一个宽限期再确认，
// 避免弱网闪断导致的索引抖动；期满仍无连接则移出位置索引并标记离线。
func (b *Bus) onUserOffline(userID string) {
	time.AfterFunc(b.config.OfflineGrace, func() {
		if b.hub.GetUserConnections(userID) > 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := b.index.Remove(ctx, userID, ""); err != nil {
			logger.Error("移除离线用户位置失败", zap.String("user_id", userID), zap.Error(err))
		}
		if err := b.detector.MarkOffline(ctx, userID); err != nil {
			logger.Error("标记用户离线失败", zap.String("user_id", userID), zap.Error(err))
		}
		logger.Info("用户已离线", zap.String("user_id", userID))
	})
}
