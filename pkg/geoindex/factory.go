package geoindex

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewIndex 创建位置索引实例
func NewIndex(config Config, client *redis.Client) (Index, error) {
	switch strings.ToLower(config.Type) {
	case "", "local":
		return NewLocalIndex(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis geoindex requires a redis client")
		}
		return NewRedisIndex(client, config.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported geoindex type: %s", config.Type)
	}
}
