package geoindex

import (
	"context"
	"time"

	"HibiscusTrack/pkg/geo"
)

// Neighbor 邻近查询结果，按距离升序返回
type Neighbor struct {
	UserID         string    `json:"user_id"`
	Position       geo.Point `json:"position"`
	DistanceMeters float64   `json:"distance_meters"`
}

// Index 实时位置索引：全局索引 + 可选的会话子索引。
// 写入覆盖旧值并刷新过期元数据；查询要求亚线性（redis GEO 或 S2 cell 结构）。
type Index interface {
	// Upsert 写入/覆盖用户位置，sessionID 非空时同时写入会话子索引
	Upsert(ctx context.Context, userID string, lon, lat float64, sessionID string) error

	// Remove 删除用户位置（断连、退出会话、过期清理）
	Remove(ctx context.Context, userID string, sessionID string) error

	// QueryNearby 半径查询，结果按距离升序，excludeUserID 非空时剔除该用户
	QueryNearby(ctx context.Context, lon, lat, radiusMeters float64, limit int, excludeUserID string) ([]Neighbor, error)

	// QueryBySession 会话子索引内的半径查询
	QueryBySession(ctx context.Context, sessionID string, lon, lat, radiusMeters float64, limit int) ([]Neighbor, error)

	// CleanupStale 移除 last-update 早于 maxAge 的条目，返回移除数量；并发写入下安全
	CleanupStale(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}

// DistanceBetween 两个索引位置的大圆距离（米）
func DistanceBetween(a, b geo.Point) float64 {
	return geo.Distance(a, b)
}

// Config 索引配置
type Config struct {
	// 索引类型: "redis" 或 "local"
	Type string `json:"type" env:"GEOINDEX_TYPE"`

	// redis key 前缀
	KeyPrefix string `json:"key_prefix"`
}
