package notification

import (
	"context"

	"HibiscusTrack/pkg/logger"

	"go.uber.org/zap"
)

// Message 推送给用户的通知
type Message struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Gateway 推送/短信投递网关。fire-and-forget：
// 失败只记日志，绝不把错误传回触发它的状态变更。
type Gateway interface {
	NotifyUser(ctx context.Context, userID string, msg Message)
	NotifySMS(ctx context.Context, phone, text string)
}

type gateway struct {
	push *JPush
	sms  *AliyunSMS
}

// NewGateway 组合推送与短信通道，任一为 nil 时该通道静默跳过
func NewGateway(push *JPush, sms *AliyunSMS) Gateway {
	return &gateway{push: push, sms: sms}
}

func (g *gateway) NotifyUser(ctx context.Context, userID string, msg Message) {
	if g.push == nil {
		return
	}
	if err := g.push.PushToAlias(ctx, []string{userID}, msg.Title, msg.Body, msg.Data); err != nil {
		logger.Warn("push delivery failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (g *gateway) NotifySMS(ctx context.Context, phone, text string) {
	if g.sms == nil {
		return
	}
	if err := g.sms.SendAlert(ctx, phone, text); err != nil {
		logger.Warn("sms delivery failed", zap.String("phone", phone), zap.Error(err))
	}
}

// NopGateway 未配置任何通道时的占位实现
type NopGateway struct{}

func (NopGateway) NotifyUser(ctx context.Context, userID string, msg Message) {}
func (NopGateway) NotifySMS(ctx context.Context, phone, text string)          {}

// CaptureGateway 单测用：记录投递过的通知
type CaptureGateway struct {
	Pushes []CapturedPush
	SMS    []string
}

type CapturedPush struct {
	UserID  string
	Message Message
}

func (c *CaptureGateway) NotifyUser(ctx context.Context, userID string, msg Message) {
	c.Pushes = append(c.Pushes, CapturedPush{UserID: userID, Message: msg})
}

func (c *CaptureGateway) NotifySMS(ctx context.Context, phone, text string) {
	c.SMS = append(c.SMS, text)
}
