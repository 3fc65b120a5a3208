package handlers

import (
	"net/http"
	"time"

	"HibiscusTrack/internal/proximity"
	"HibiscusTrack/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// handleRunnerStatus 查询跑者当前状态。OFFLINE 在读取时按最近更新时间推导。
func (h *Handlers) handleRunnerStatus(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id is empty"})
		return
	}

	state, err := h.detector.Get(c.Request.Context(), userID, time.Now())
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", state)
}

// handleNearbyRunners 半径内的可见跑者，按距离升序。
// 匿名模式的跑者只露距离，不露身份和精确位置。
func (h *Handlers) handleNearbyRunners(c *gin.Context) {
	lat := cast.ToFloat64(c.Query("latitude"))
	lon := cast.ToFloat64(c.Query("longitude"))
	radius := cast.ToFloat64(c.DefaultQuery("radius", "1000"))
	limit := cast.ToInt(c.DefaultQuery("limit", "0"))

	runners, err := h.engine.FindNearby(c.Request.Context(), lon, lat, radius, limit, currentUser(c))
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", gin.H{"runners": runners, "count": len(runners)})
}

// handleSearchRunners 按昵称检索跑者
func (h *Handlers) handleSearchRunners(c *gin.Context) {
	keyword := c.Query("q")
	if keyword == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "q is empty"})
		return
	}
	limit := cast.ToInt(c.DefaultQuery("limit", "0"))

	hits, err := h.search.Search(c.Request.Context(), keyword, limit)
	if err != nil {
		failWithError(c, err)
		return
	}
	response.Success(c, "success", gin.H{"hits": hits, "count": len(hits)})
}

// handleNearbyClusters 邻近跑者的聚合视图，地图缩小时用簇代替个体标记
func (h *Handlers) handleNearbyClusters(c *gin.Context) {
	lat := cast.ToFloat64(c.Query("latitude"))
	lon := cast.ToFloat64(c.Query("longitude"))
	radius := cast.ToFloat64(c.DefaultQuery("radius", "1000"))
	limit := cast.ToInt(c.DefaultQuery("limit", "0"))

	runners, err := h.engine.FindNearby(c.Request.Context(), lon, lat, radius, limit, currentUser(c))
	if err != nil {
		failWithError(c, err)
		return
	}

	points := make([]proximity.ClusterPoint, 0, len(runners))
	for _, r := range runners {
		if r.Position == nil {
			continue
		}
		points = append(points, proximity.ClusterPoint{UserID: r.UserID, Position: *r.Position})
	}

	clusters := h.engine.MergeClusters(h.engine.ClusterPoints(points))
	response.Success(c, "success", gin.H{"clusters": clusters, "count": len(clusters)})
}
