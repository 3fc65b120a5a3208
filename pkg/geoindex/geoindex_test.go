package geoindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIndexQueryNearby(t *testing.T) {
	idx := NewLocalIndex()
	defer idx.Close()
	ctx := context.Background()

	// 北京奥林匹克公园附近的三个点
	require.NoError(t, idx.Upsert(ctx, "u1", 116.3900, 39.9930, ""))
	require.NoError(t, idx.Upsert(ctx, "u2", 116.3910, 39.9931, "")) // 距查询点约 100 米内
	require.NoError(t, idx.Upsert(ctx, "u3", 117.2000, 39.1000, "")) // 天津，远在半径外

	neighbors, err := idx.QueryNearby(ctx, 116.3901, 39.9930, 500, 10, "")
	require.NoError(t, err)
	require.Len(t, neighbors, 2)

	// 升序排列
	assert.Equal(t, "u1", neighbors[0].UserID)
	assert.Equal(t, "u2", neighbors[1].UserID)
	assert.Less(t, neighbors[0].DistanceMeters, neighbors[1].DistanceMeters)
}

func TestLocalIndexExcludeAndLimit(t *testing.T) {
	idx := NewLocalIndex()
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "me", 116.3900, 39.9930, ""))
	require.NoError(t, idx.Upsert(ctx, "a", 116.3901, 39.9930, ""))
	require.NoError(t, idx.Upsert(ctx, "b", 116.3902, 39.9930, ""))
	require.NoError(t, idx.Upsert(ctx, "c", 116.3903, 39.9930, ""))

	neighbors, err := idx.QueryNearby(ctx, 116.3900, 39.9930, 500, 2, "me")
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	for _, n := range neighbors {
		assert.NotEqual(t, "me", n.UserID)
	}
}

func TestLocalIndexUpsertOverwrites(t *testing.T) {
	idx := NewLocalIndex()
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "u1", 116.3900, 39.9930, ""))
	// 移动到很远的位置后，老位置不应再被查到
	require.NoError(t, idx.Upsert(ctx, "u1", 121.4737, 31.2304, ""))

	neighbors, err := idx.QueryNearby(ctx, 116.3900, 39.9930, 1000, 10, "")
	require.NoError(t, err)
	assert.Empty(t, neighbors)

	neighbors, err = idx.QueryNearby(ctx, 121.4737, 31.2304, 1000, 10, "")
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "u1", neighbors[0].UserID)
}

func TestLocalIndexSession(t *testing.T) {
	idx := NewLocalIndex()
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "u1", 116.3900, 39.9930, "sess-1"))
	require.NoError(t, idx.Upsert(ctx, "u2", 116.3901, 39.9930, "sess-1"))
	require.NoError(t, idx.Upsert(ctx, "u3", 116.3902, 39.9930, "sess-2"))

	neighbors, err := idx.QueryBySession(ctx, "sess-1", 116.3900, 39.9930, 500, 10)
	require.NoError(t, err)
	assert.Len(t, neighbors, 2)

	// 退出会话后从子索引消失
	require.NoError(t, idx.Remove(ctx, "u2", "sess-1"))
	neighbors, err = idx.QueryBySession(ctx, "sess-1", 116.3900, 39.9930, 500, 10)
	require.NoError(t, err)
	assert.Len(t, neighbors, 1)
}

func TestLocalIndexCleanupStale(t *testing.T) {
	idx := NewLocalIndex().(*localIndex)
	defer idx.Close()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "fresh", 116.3900, 39.9930, ""))
	require.NoError(t, idx.Upsert(ctx, "stale", 116.3901, 39.9930, ""))

	// 人为回拨 stale 条目的更新时间
	idx.mu.Lock()
	idx.entries["stale"].updatedAt = time.Now().Add(-30 * time.Minute)
	idx.mu.Unlock()

	removed, err := idx.CleanupStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// 第二次立即调用不应再删除任何条目
	removed, err = idx.CleanupStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	neighbors, err := idx.QueryNearby(ctx, 116.3900, 39.9930, 500, 10, "")
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "fresh", neighbors[0].UserID)
}
