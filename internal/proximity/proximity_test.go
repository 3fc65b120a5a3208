package proximity

import (
	"context"
	"fmt"
	"testing"

	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/profile"
	"HibiscusTrack/pkg/geo"
	"HibiscusTrack/pkg/geoindex"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestEngine(t *testing.T) (*Engine, geoindex.Index, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	index := geoindex.NewLocalIndex()
	t.Cleanup(func() { _ = index.Close() })

	return NewEngine(index, profile.NewReader(db), DefaultConfig()), index, db
}

func seedProfile(t *testing.T, db *gorm.DB, userID string, visible, anonymous, active bool) {
	t.Helper()
	require.NoError(t, db.Create(&models.UserProfile{
		UserID:          userID,
		DisplayName:     "runner " + userID,
		AvatarURL:       "https://img.example.com/" + userID,
		LocationVisible: visible,
		Anonymous:       anonymous,
		Active:          active,
	}).Error)
}

func TestFindNearbyFiltersAndMasks(t *testing.T) {
	e, index, db := newTestEngine(t)
	ctx := context.Background()

	seedProfile(t, db, "visible", true, false, true)
	seedProfile(t, db, "anon", true, true, true)
	seedProfile(t, db, "hidden", false, false, true)
	seedProfile(t, db, "inactive", true, false, false)

	for i, id := range []string{"visible", "anon", "hidden", "inactive"} {
		require.NoError(t, index.Upsert(ctx, id, 116.4000+float64(i)*0.0001, 39.9000, ""))
	}

	runners, err := e.FindNearby(ctx, 116.4000, 39.9000, 500, 10, "")
	require.NoError(t, err)
	require.Len(t, runners, 2)

	// 距离升序：visible 在查询点上，anon 偏 0.0001 度
	assert.Equal(t, "visible", runners[0].UserID)
	assert.Equal(t, "runner visible", runners[0].DisplayName)
	require.NotNil(t, runners[0].Position)

	assert.Equal(t, "anon", runners[1].UserID)
	assert.True(t, runners[1].Anonymous)
	assert.Empty(t, runners[1].DisplayName)
	assert.Nil(t, runners[1].Position)
	assert.Greater(t, runners[1].DistanceMeters, 0.0)
}

func TestFindNearbyExcludesRequester(t *testing.T) {
	e, index, db := newTestEngine(t)
	ctx := context.Background()

	seedProfile(t, db, "me", true, false, true)
	seedProfile(t, db, "other", true, false, true)
	require.NoError(t, index.Upsert(ctx, "me", 116.4, 39.9, ""))
	require.NoError(t, index.Upsert(ctx, "other", 116.4001, 39.9, ""))

	runners, err := e.FindNearby(ctx, 116.4, 39.9, 500, 10, "me")
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.Equal(t, "other", runners[0].UserID)
}

func TestClusterCollapsesTightGroup(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// 全部落在 20 米内
	points := make([]ClusterPoint, 0, 5)
	for i := 0; i < 5; i++ {
		points = append(points, ClusterPoint{
			UserID:   fmt.Sprintf("u%d", i),
			Position: geo.Point{Lat: 39.9000 + float64(i)*0.00002, Lon: 116.4000},
		})
	}

	clusters := e.ClusterPoints(points)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 5)
	assert.LessOrEqual(t, clusters[0].RadiusMeters, 20.0)
}

func TestClusterSpacedPointsStaySingletons(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// 相隔约 1 公里
	points := make([]ClusterPoint, 0, 4)
	for i := 0; i < 4; i++ {
		points = append(points, ClusterPoint{
			UserID:   fmt.Sprintf("u%d", i),
			Position: geo.Point{Lat: 39.9 + float64(i)*0.009, Lon: 116.4},
		})
	}

	clusters := e.ClusterPoints(points)
	require.Len(t, clusters, 4)
	for _, c := range clusters {
		assert.Len(t, c.Members, 1)
		assert.Zero(t, c.RadiusMeters)
	}
}

func TestMergeOverlappingClusters(t *testing.T) {
	e, _, _ := newTestEngine(t)

	// 两簇相距约 33 米，半径 0：33 > 0+0+20 不合并
	far := e.MergeClusters([]Cluster{
		buildCluster([]ClusterPoint{{UserID: "a", Position: geo.Point{Lat: 39.9000, Lon: 116.4}}}),
		buildCluster([]ClusterPoint{{UserID: "b", Position: geo.Point{Lat: 39.9003, Lon: 116.4}}}),
	})
	assert.Len(t, far, 2)

	// 相距约 11 米：11 ≤ 20 合并
	near := e.MergeClusters([]Cluster{
		buildCluster([]ClusterPoint{{UserID: "a", Position: geo.Point{Lat: 39.9000, Lon: 116.4}}}),
		buildCluster([]ClusterPoint{{UserID: "b", Position: geo.Point{Lat: 39.9001, Lon: 116.4}}}),
	})
	require.Len(t, near, 1)
	assert.Len(t, near[0].Members, 2)
	assert.Greater(t, near[0].RadiusMeters, 0.0)
}
