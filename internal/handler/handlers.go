package handlers

import (
	"HibiscusTrack/internal/eta"
	"HibiscusTrack/internal/ingest"
	"HibiscusTrack/internal/profile"
	"HibiscusTrack/internal/proximity"
	"HibiscusTrack/internal/route"
	"HibiscusTrack/internal/sos"
	"HibiscusTrack/internal/status"
	"HibiscusTrack/pkg/config"
	"HibiscusTrack/pkg/errors"
	"HibiscusTrack/pkg/middleware"
	"HibiscusTrack/pkg/response"
	"HibiscusTrack/pkg/search"
	"HibiscusTrack/pkg/sse"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Handlers struct {
	db            *gorm.DB
	pipeline      *ingest.Pipeline
	detector      *status.Detector
	reconstructor *route.Reconstructor
	exporter      *route.Exporter
	engine        *proximity.Engine
	coordinator   *sos.Coordinator
	matcher       *sos.Matcher
	estimator     *eta.Estimator
	profiles      profile.Reader
	search        search.Engine
	limiter       *middleware.RateLimiter
	opsFeed       *sse.Hub
}

// WithOpsFeed 启用运营端 SSE 流路由
func (h *Handlers) WithOpsFeed(hub *sse.Hub) *Handlers {
	h.opsFeed = hub
	return h
}

func NewHandlers(
	db *gorm.DB,
	pipeline *ingest.Pipeline,
	detector *status.Detector,
	reconstructor *route.Reconstructor,
	exporter *route.Exporter,
	engine *proximity.Engine,
	coordinator *sos.Coordinator,
	matcher *sos.Matcher,
	estimator *eta.Estimator,
	profiles profile.Reader,
	searchEngine search.Engine,
	limiter *middleware.RateLimiter,
) *Handlers {
	return &Handlers{
		db:            db,
		pipeline:      pipeline,
		detector:      detector,
		reconstructor: reconstructor,
		exporter:      exporter,
		engine:        engine,
		coordinator:   coordinator,
		matcher:       matcher,
		estimator:     estimator,
		profiles:      profiles,
		search:        searchEngine,
		limiter:       limiter,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	r := engine.Group(config.GlobalConfig.APIPrefix)

	// Register Global Singleton DB
	r.Use(middleware.InjectDB(h.db))
	r.Use(middleware.IdentityMiddleware())

	// Register System Module Routes
	h.registerSystemRoutes(r)

	// Register Business Module Routes
	h.registerLocationRoutes(r)
	h.registerRunnerRoutes(r)
	h.registerRouteRoutes(r)
	h.registerSosRoutes(r)
}

// 位置上报模块。设备签名在中间件层校验，批量补传带幂等保护。
func (h *Handlers) registerLocationRoutes(r *gin.RouterGroup) {
	location := r.Group("location")
	location.Use(middleware.SignVerifyMiddleware())
	{
		location.POST("", h.handleIngestSample)

		location.POST("/batch", middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{}), h.handleIngestBatch)

		location.POST("/heartbeat", h.handleHeartbeat)
	}
}

// 跑者状态与邻近查询模块
func (h *Handlers) registerRunnerRoutes(r *gin.RouterGroup) {
	runners := r.Group("runners")
	{
		runners.GET("/nearby", h.handleNearbyRunners)

		runners.GET("/nearby/clusters", h.handleNearbyClusters)

		runners.GET("/search", h.handleSearchRunners)

		runners.GET("/:user_id/status", h.handleRunnerStatus)
	}
}

// 轨迹重建模块
func (h *Handlers) registerRouteRoutes(r *gin.RouterGroup) {
	sessions := r.Group("sessions")
	{
		sessions.GET("/:session_id/route", h.handleSessionRoute)

		sessions.GET("/:session_id/stats", h.handleSessionStats)

		sessions.POST("/:session_id/export", h.handleSessionExport)
	}

	solo := r.Group("solo-runs")
	{
		solo.GET("/:solo_run_id/route", h.handleSoloRoute)

		solo.POST("/:solo_run_id/export", h.handleSoloExport)
	}
}

// SOS 模块。全部操作落审计日志。
func (h *Handlers) registerSosRoutes(r *gin.RouterGroup) {
	sosGroup := r.Group("sos")
	sosGroup.Use(middleware.AuditLogMiddleware(h.db))
	{
		sosGroup.POST("", h.handleSosTrigger)

		sosGroup.GET("/:alert_id", h.handleSosGet)

		sosGroup.POST("/:alert_id/verify", h.handleSosVerify)

		sosGroup.POST("/:alert_id/acknowledge", h.handleSosAcknowledge)

		sosGroup.POST("/:alert_id/resolve", h.handleSosResolve)

		sosGroup.GET("/:alert_id/responders", h.handleSosResponders)

		// 响应者侧操作
		sosGroup.POST("/:alert_id/respond", h.handleResponderAnswer)

		sosGroup.POST("/:alert_id/enroute", h.handleResponderEnRoute)

		sosGroup.POST("/:alert_id/arrived", h.handleResponderArrived)

		sosGroup.GET("/:alert_id/eta", h.handleResponderEta)
	}

	// 调度台实时流
	if h.opsFeed != nil {
		r.GET("/ops/sos/stream", h.handleSosStream)
	}
}

// handleSosStream 运营端 SSE 订阅，固定加入 "sos" 组
func (h *Handlers) handleSosStream(c *gin.Context) {
	clientID := currentUser(c)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	h.opsFeed.Serve(c, clientID, "sos")
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.POST("/rate-limiter/config", h.UpdateRateLimiterConfig)

		system.GET("/health", h.HealthCheck)
	}
}

// failWithError 按业务错误码映射 HTTP 状态
func failWithError(c *gin.Context, err error) {
	code := errors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.CodeInvalidSample:
		status = http.StatusBadRequest
	case errors.CodeReplayedSignature:
		status = http.StatusConflict
	case errors.CodeInvalidTransition:
		status = http.StatusConflict
	case errors.CodeAlertConflict:
		status = http.StatusConflict
	case errors.CodeNotFound:
		status = http.StatusNotFound
	}
	if code == 0 {
		code = errors.CodeInternal
	}
	response.FailWithStatus(c, status, code, errors.GetMessage(err))
}

// currentUser 从上下文取调用者身份
func currentUser(c *gin.Context) string {
	v, ok := c.Get("user_id")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
