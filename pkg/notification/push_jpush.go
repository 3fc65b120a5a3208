package notification

import "context"

type JPushConfig struct {
	AppKey       string
	MasterSecret string
}

// JPushClient 便于替换/注入的推送接口（适配真实 SDK）
type JPushClient interface {
	Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error
}

type JPush struct {
	cfg JPushConfig
	cli JPushClient
}

func NewJPush(cfg JPushConfig, cli JPushClient) *JPush { return &JPush{cfg: cfg, cli: cli} }

// PushToAlias 按用户别名推送，SOS 链路里别名即 userID
func (j *JPush) PushToAlias(ctx context.Context, alias []string, title, content string, extras map[string]interface{}) error {
	if j.cli == nil {
		return context.Canceled // 表示未配置客户端
	}
	aud := map[string]interface{}{"alias": alias}
	return j.cli.Push(ctx, title, content, aud, extras)
}
