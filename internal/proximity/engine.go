package proximity

import (
	"context"

	"HibiscusTrack/internal/profile"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/geoindex"
	"HibiscusTrack/pkg/logger"

	"go.uber.org/zap"
)

// NearbyRunner 附近跑者。匿名用户隐去姓名、头像和精确坐标，只保留距离。
type NearbyRunner struct {
	UserID         string     `json:"user_id"`
	DisplayName    string     `json:"display_name,omitempty"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	DistanceMeters float64    `json:"distance_meters"`
	Position       *geo.Point `json:"position,omitempty"`
	Anonymous      bool       `json:"anonymous,omitempty"`
}

// Config 邻近引擎参数
type Config struct {
	ClusterRadiusMeters float64 // 聚类半径，默认 20
	DefaultLimit        int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		ClusterRadiusMeters: 20,
		DefaultLimit:        50,
	}
}

// Engine 邻近查询 + 可见性过滤 + 聚类
type Engine struct {
	index    geoindex.Index
	profiles profile.Reader
	config   Config
}

// NewEngine 创建邻近引擎
func NewEngine(index geoindex.Index, profiles profile.Reader, config Config) *Engine {
	if config.ClusterRadiusMeters <= 0 {
		config.ClusterRadiusMeters = 20
	}
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 50
	}
	return &Engine{index: index, profiles: profiles, config: config}
}

// FindNearby 委托位置索引查询，再按资料过滤：
// 未开可见性或账号停用的候选剔除，匿名候选做脱敏。
func (e *Engine) FindNearby(ctx context.Context, lon, lat, radiusMeters float64, limit int, excludeUserID string) ([]NearbyRunner, error) {
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	neighbors, err := e.index.QueryNearby(ctx, lon, lat, radiusMeters, limit, excludeUserID)
	if err != nil {
		return nil, err
	}
	if len(neighbors) == 0 {
		return []NearbyRunner{}, nil
	}

	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.UserID)
	}
	profiles, err := e.profiles.GetBatch(ctx, ids)
	if err != nil {
		// 资料读取失败时退化为保守策略：不暴露任何人
		logger.Warn("profile batch lookup failed", zap.Error(err))
		return []NearbyRunner{}, nil
	}

	out := make([]NearbyRunner, 0, len(neighbors))
	for _, n := range neighbors {
		p, ok := profiles[n.UserID]
		if !ok || !p.Active || !p.LocationVisible {
			continue
		}
		runner := NearbyRunner{
			UserID:         n.UserID,
			DistanceMeters: n.DistanceMeters,
		}
		if p.Anonymous {
			runner.Anonymous = true
		} else {
			runner.DisplayName = p.DisplayName
			runner.AvatarURL = p.AvatarURL
			pos := n.Position
			runner.Position = &pos
		}
		out = append(out, runner)
	}
	return out, nil
}

// NearbyCandidates 不做可见性过滤的原始邻近查询，SOS 响应者匹配用
// （紧急场景下可见性开关不挡人，匿名脱敏由通知层处理）
func (e *Engine) NearbyCandidates(ctx context.Context, lon, lat, radiusMeters float64, limit int, excludeUserID string) ([]geoindex.Neighbor, error) {
	return e.index.QueryNearby(ctx, lon, lat, radiusMeters, limit, excludeUserID)
}
