package geoindex

import (
	"context"
	"strconv"
	"time"

	"HibiscusTrack/pkg/geo"

	"github.com/redis/go-redis/v9"
)

// redisIndex 基于 Redis GEO 结构的位置索引。
// GEO 集合本身是 zset，成员过期时间另记在 seen zset（score = 最后写入的 unix 秒），
// 清理时按 score 范围找出过期成员再从两个集合删除。
type redisIndex struct {
	client *redis.Client
	prefix string
}

// NewRedisIndex 创建 Redis 位置索引（复用外部客户端）
func NewRedisIndex(client *redis.Client, prefix string) Index {
	if prefix == "" {
		prefix = "geoindex"
	}
	return &redisIndex{client: client, prefix: prefix}
}

func (ri *redisIndex) geoKey() string  { return ri.prefix + ":pos" }
func (ri *redisIndex) seenKey() string { return ri.prefix + ":seen" }
func (ri *redisIndex) sessionGeoKey(sessionID string) string {
	return ri.prefix + ":session:" + sessionID
}

// Upsert 写入全局索引和可选的会话子索引，并刷新 seen 时间戳
func (ri *redisIndex) Upsert(ctx context.Context, userID string, lon, lat float64, sessionID string) error {
	loc := &redis.GeoLocation{Name: userID, Longitude: lon, Latitude: lat}

	pipe := ri.client.Pipeline()
	pipe.GeoAdd(ctx, ri.geoKey(), loc)
	pipe.ZAdd(ctx, ri.seenKey(), redis.Z{Score: float64(time.Now().Unix()), Member: userID})
	if sessionID != "" {
		pipe.GeoAdd(ctx, ri.sessionGeoKey(sessionID), loc)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Remove 从全局索引、seen 集合和会话子索引删除
func (ri *redisIndex) Remove(ctx context.Context, userID string, sessionID string) error {
	pipe := ri.client.Pipeline()
	pipe.ZRem(ctx, ri.geoKey(), userID)
	pipe.ZRem(ctx, ri.seenKey(), userID)
	if sessionID != "" {
		pipe.ZRem(ctx, ri.sessionGeoKey(sessionID), userID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// QueryNearby GEOSEARCH 半径查询，结果按距离升序
func (ri *redisIndex) QueryNearby(ctx context.Context, lon, lat, radiusMeters float64, limit int, excludeUserID string) ([]Neighbor, error) {
	return ri.search(ctx, ri.geoKey(), lon, lat, radiusMeters, limit, excludeUserID)
}

// QueryBySession 会话子索引内查询
func (ri *redisIndex) QueryBySession(ctx context.Context, sessionID string, lon, lat, radiusMeters float64, limit int) ([]Neighbor, error) {
	return ri.search(ctx, ri.sessionGeoKey(sessionID), lon, lat, radiusMeters, limit, "")
}

func (ri *redisIndex) search(ctx context.Context, key string, lon, lat, radiusMeters float64, limit int, excludeUserID string) ([]Neighbor, error) {
	count := limit
	if excludeUserID != "" && count > 0 {
		count++ // 排除对象可能占掉一个名额
	}

	locs, err := ri.client.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	neighbors := make([]Neighbor, 0, len(locs))
	for _, loc := range locs {
		if loc.Name == excludeUserID {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			UserID:         loc.Name,
			Position:       geo.Point{Lat: loc.Latitude, Lon: loc.Longitude},
			DistanceMeters: loc.Dist,
		})
		if limit > 0 && len(neighbors) >= limit {
			break
		}
	}
	return neighbors, nil
}

// CleanupStale 按 seen score 找出过期成员并删除，返回移除数量
func (ri *redisIndex) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()

	stale, err := ri.client.ZRangeByScore(ctx, ri.seenKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(stale))
	for i, s := range stale {
		members[i] = s
	}

	// 并发写入者此刻可能刚刷新了某个成员的 seen score；ZRem 按成员删，
	// 该成员的新位置会在下一次 Upsert 时重建，宁可多删不可漏删。
	pipe := ri.client.Pipeline()
	pipe.ZRem(ctx, ri.geoKey(), members...)
	pipe.ZRem(ctx, ri.seenKey(), members...)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (ri *redisIndex) Close() error { return nil }
