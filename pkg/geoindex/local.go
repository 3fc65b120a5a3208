package geoindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"HibiscusTrack/pkg/geo"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// 本地索引的 cell 粒度，level 15 边长约 300 米
const cellLevel = 15

// localIndex 进程内位置索引：按 S2 cell 分桶，半径查询只扫描覆盖该圆的 cell。
// 单机部署和测试用；多实例必须选 redis 实现。
type localIndex struct {
	mu       sync.RWMutex
	entries  map[string]*localEntry
	cells    map[s2.CellID]map[string]struct{}
	sessions map[string]map[string]struct{}
}

type localEntry struct {
	point     geo.Point
	cell      s2.CellID
	sessionID string
	updatedAt time.Time
}

// NewLocalIndex 创建进程内位置索引
func NewLocalIndex() Index {
	return &localIndex{
		entries:  make(map[string]*localEntry),
		cells:    make(map[s2.CellID]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Upsert 写入/覆盖用户位置
func (li *localIndex) Upsert(ctx context.Context, userID string, lon, lat float64, sessionID string) error {
	p := geo.Point{Lat: lat, Lon: lon}
	cell := geo.CellID(p, cellLevel)

	li.mu.Lock()
	defer li.mu.Unlock()

	if old, ok := li.entries[userID]; ok {
		li.detachLocked(userID, old)
	}

	li.entries[userID] = &localEntry{point: p, cell: cell, sessionID: sessionID, updatedAt: time.Now()}
	if li.cells[cell] == nil {
		li.cells[cell] = make(map[string]struct{})
	}
	li.cells[cell][userID] = struct{}{}
	if sessionID != "" {
		if li.sessions[sessionID] == nil {
			li.sessions[sessionID] = make(map[string]struct{})
		}
		li.sessions[sessionID][userID] = struct{}{}
	}
	return nil
}

// Remove 删除用户位置
func (li *localIndex) Remove(ctx context.Context, userID string, sessionID string) error {
	li.mu.Lock()
	defer li.mu.Unlock()

	if e, ok := li.entries[userID]; ok {
		li.detachLocked(userID, e)
		delete(li.entries, userID)
	}
	if sessionID != "" {
		if members, ok := li.sessions[sessionID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(li.sessions, sessionID)
			}
		}
	}
	return nil
}

// detachLocked 从 cell 桶和会话集合中摘除（需持有写锁）
func (li *localIndex) detachLocked(userID string, e *localEntry) {
	if bucket, ok := li.cells[e.cell]; ok {
		delete(bucket, userID)
		if len(bucket) == 0 {
			delete(li.cells, e.cell)
		}
	}
	if e.sessionID != "" {
		if members, ok := li.sessions[e.sessionID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(li.sessions, e.sessionID)
			}
		}
	}
}

// QueryNearby 半径查询：对查询圆做 cell 覆盖，只扫覆盖到的桶
func (li *localIndex) QueryNearby(ctx context.Context, lon, lat, radiusMeters float64, limit int, excludeUserID string) ([]Neighbor, error) {
	center := geo.Point{Lat: lat, Lon: lon}

	li.mu.RLock()
	defer li.mu.RUnlock()

	neighbors := make([]Neighbor, 0)
	for _, cell := range coveringCells(center, radiusMeters) {
		bucket, ok := li.cells[cell]
		if !ok {
			continue
		}
		for userID := range bucket {
			if userID == excludeUserID {
				continue
			}
			e := li.entries[userID]
			d := geo.Distance(center, e.point)
			if d <= radiusMeters {
				neighbors = append(neighbors, Neighbor{UserID: userID, Position: e.point, DistanceMeters: d})
			}
		}
	}

	sortAndLimit(&neighbors, limit)
	return neighbors, nil
}

// QueryBySession 会话成员内的半径查询
func (li *localIndex) QueryBySession(ctx context.Context, sessionID string, lon, lat, radiusMeters float64, limit int) ([]Neighbor, error) {
	center := geo.Point{Lat: lat, Lon: lon}

	li.mu.RLock()
	defer li.mu.RUnlock()

	neighbors := make([]Neighbor, 0)
	for userID := range li.sessions[sessionID] {
		e, ok := li.entries[userID]
		if !ok {
			continue
		}
		d := geo.Distance(center, e.point)
		if d <= radiusMeters {
			neighbors = append(neighbors, Neighbor{UserID: userID, Position: e.point, DistanceMeters: d})
		}
	}

	sortAndLimit(&neighbors, limit)
	return neighbors, nil
}

// CleanupStale 移除超龄条目
func (li *localIndex) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	li.mu.Lock()
	defer li.mu.Unlock()

	removed := 0
	for userID, e := range li.entries {
		if e.updatedAt.Before(cutoff) {
			li.detachLocked(userID, e)
			delete(li.entries, userID)
			removed++
		}
	}
	return removed, nil
}

func (li *localIndex) Close() error { return nil }

// coveringCells 查询圆的 level 固定 cell 覆盖
func coveringCells(center geo.Point, radiusMeters float64) []s2.CellID {
	angle := s1.Angle(radiusMeters / geo.EarthRadiusMeters)
	cap := s2.CapFromCenterAngle(s2.PointFromLatLng(s2.LatLngFromDegrees(center.Lat, center.Lon)), angle)

	coverer := &s2.RegionCoverer{MinLevel: cellLevel, MaxLevel: cellLevel, MaxCells: 256}
	return coverer.Covering(cap)
}

func sortAndLimit(neighbors *[]Neighbor, limit int) {
	sort.Slice(*neighbors, func(i, j int) bool {
		return (*neighbors)[i].DistanceMeters < (*neighbors)[j].DistanceMeters
	})
	if limit > 0 && len(*neighbors) > limit {
		*neighbors = (*neighbors)[:limit]
	}
}
