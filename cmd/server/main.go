package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"HibiscusTrack/internal/broadcast"
	"HibiscusTrack/internal/eta"
	handlers "HibiscusTrack/internal/handler"
	"HibiscusTrack/internal/ingest"
	"HibiscusTrack/internal/listeners"
	"HibiscusTrack/internal/models"
	"HibiscusTrack/internal/profile"
	"HibiscusTrack/internal/proximity"
	"HibiscusTrack/internal/route"
	"HibiscusTrack/internal/smoothing"
	"HibiscusTrack/internal/sos"
	"HibiscusTrack/internal/status"
	"HibiscusTrack/pkg/backup"
	"HibiscusTrack/pkg/cache"
	"HibiscusTrack/pkg/config"
	"HibiscusTrack/pkg/geoindex"
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/metrics"
	"HibiscusTrack/pkg/middleware"
	"HibiscusTrack/pkg/notification"
	"HibiscusTrack/pkg/scheduler"
	"HibiscusTrack/pkg/search"
	"HibiscusTrack/pkg/sse"
	"HibiscusTrack/pkg/storage"
	"HibiscusTrack/pkg/util"
	"HibiscusTrack/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig

	if err := logger.Init(cfg.Log); err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := util.NewDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	store := cache.NewRedisCacheFromClient(client)

	index, err := geoindex.NewIndex(geoindex.Config{Type: cfg.GeoIndexType, KeyPrefix: "track:geo"}, client)
	if err != nil {
		logger.Fatal("init geoindex", zap.Error(err))
	}
	defer index.Close()

	publisher := broadcast.NewRedisPublisher(client)
	profiles := profile.NewReader(db)
	notifier := newNotifier()

	detector := status.NewDetector(store, publisher, status.DefaultConfig())
	smoother := smoothing.NewSmoother(store, smoothing.DefaultConfig())

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.MaxAccuracyMeters = cfg.MaxAccuracyMeters
	ingestCfg.MaxPlausibleSpeed = cfg.MaxPlausibleSpeed
	pipeline := ingest.NewPipeline(db, index, store, smoother, detector, publisher, ingestCfg)

	reconstructor := route.NewReconstructor(db, route.DefaultConfig())
	exporter := route.NewExporter(reconstructor, newObjectStore())

	engine := proximity.NewEngine(index, profiles, proximity.DefaultConfig())
	estimator := eta.NewEstimator(eta.DefaultConfig())

	matcherCfg := sos.DefaultMatcherConfig()
	matcherCfg.MaxResponders = cfg.SosMaxResponders
	matcher := sos.NewMatcher(db, engine, estimator, profiles, notifier, publisher, matcherCfg)

	queue := scheduler.NewRedisDelayedQueue(client, "track:delayed", time.Second)

	sosCfg := sos.DefaultConfig()
	sosCfg.VerifyTimeout = cfg.SosVerifyTimeout
	sosCfg.EscalateT1 = cfg.SosEscalateT1
	sosCfg.EscalateT2 = cfg.SosEscalateT2
	coordinator := sos.NewCoordinator(db, store, queue, matcher, detector, publisher, notifier, sosCfg)

	queue.Start()
	defer queue.Stop()

	searchEngine, err := search.New(search.Config{IndexPath: cfg.SearchIndexPath})
	if err != nil {
		logger.Fatal("init search engine", zap.Error(err))
	}
	defer searchEngine.Close()

	listeners.InitProfileListeners(db, notifier, searchEngine)
	if err := listeners.BackfillSearchIndex(context.Background(), db, searchEngine); err != nil {
		logger.Warn("backfill search index", zap.Error(err))
	}

	// WebSocket 下行
	wsConfig := websocket.LoadConfigFromEnv()
	if err := websocket.ValidateConfig(wsConfig); err != nil {
		logger.Fatal("invalid websocket config", zap.Error(err))
	}
	hub := websocket.NewHub(wsConfig)
	defer hub.Close()

	opsFeed := sse.NewHub(30 * time.Second)

	bus := broadcast.NewBus(client, hub, index, detector, broadcast.DefaultBusConfig()).WithOpsFeed(opsFeed)
	bus.Start()
	defer bus.Stop()

	// 过期位置清理
	cron := scheduler.NewCron(nil)
	maxAge := time.Duration(cfg.StaleMaxAgeMinutes) * time.Minute
	if _, err := cron.AddWithCtx(cfg.StaleCleanupCron, func(ctx context.Context) {
		removed, err := index.CleanupStale(ctx, maxAge)
		if err != nil {
			logger.Warn("cleanup stale index entries", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("cleaned stale index entries", zap.Int("removed", removed))
		}
	}); err != nil {
		logger.Fatal("register cleanup job", zap.Error(err))
	}
	cron.Start()
	defer cron.Stop()

	backup.StartBackupScheduler()

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       "300-M",
		Identifier: "user",
		AddHeaders: true,
		SkipPaths:  []string{"/metrics", "/ws"},
		PerRouteRates: map[string]string{
			cfg.APIPrefix + "/sos": "10-M",
		},
	}, nil)

	gin.SetMode(cfg.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.IdentityMiddleware(), metrics.GinMiddleware(), limiter.Middleware())
	r.GET("/metrics", metrics.Handler())

	h := handlers.NewHandlers(db, pipeline, detector, reconstructor, exporter, engine,
		coordinator, matcher, estimator, profiles, searchEngine, limiter).WithOpsFeed(opsFeed)
	h.Register(r)

	websocket.RegisterRoutes(r, websocket.NewHandler(hub))

	srv := &http.Server{Addr: cfg.Addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

// newNotifier 推送与短信通道，未配置的通道为空即跳过
func newNotifier() notification.Gateway {
	var push *notification.JPush
	if util.GetEnv("JPUSH_APP_KEY") != "" {
		push = notification.NewJPush(notification.JPushConfig{
			AppKey:       util.GetEnv("JPUSH_APP_KEY"),
			MasterSecret: util.GetEnv("JPUSH_MASTER_SECRET"),
		}, nil)
	}

	var sms *notification.AliyunSMS
	if util.GetEnv("ALIYUN_SMS_ACCESS_KEY_ID") != "" {
		sms = notification.NewAliyunSMS(notification.AliyunSMSConfig{
			AccessKeyId:     util.GetEnv("ALIYUN_SMS_ACCESS_KEY_ID"),
			AccessKeySecret: util.GetEnv("ALIYUN_SMS_ACCESS_KEY_SECRET"),
			SignName:        util.GetEnv("ALIYUN_SMS_SIGN_NAME"),
			TemplateCode:    util.GetEnv("ALIYUN_SMS_TEMPLATE_CODE"),
		}, nil)
	}

	return notification.NewGateway(push, sms)
}

// newObjectStore 轨迹导出的对象存储
func newObjectStore() storage.Store {
	if config.GlobalConfig.StorageType == "memory" {
		return storage.NewMemoryStore()
	}
	return storage.NewMinioStore()
}
