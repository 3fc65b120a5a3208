package config

import (
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/util"
	"log"
	"os"
	"time"
)

// config/config.go
type Config struct {
	Addr      string `env:"ADDR"`
	Mode      string `env:"MODE"`
	APIPrefix string `env:"API_PREFIX"`

	DBDriver string `env:"DB_DRIVER"`
	DSN      string `env:"DSN"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	// geoindex: "redis" 或 "local"
	GeoIndexType string `env:"GEOINDEX_TYPE"`

	// 采样校验与反重放
	APISecretKey      string  `env:"API_SECRET_KEY"`
	MaxAccuracyMeters float64 `env:"MAX_ACCURACY_METERS"`
	MaxPlausibleSpeed float64 `env:"MAX_PLAUSIBLE_SPEED"` // m/s

	// SOS 升级时刻表
	SosVerifyTimeout time.Duration `env:"SOS_VERIFY_TIMEOUT_SECONDS"`
	SosEscalateT1    time.Duration `env:"SOS_ESCALATE_T1_SECONDS"`
	SosEscalateT2    time.Duration `env:"SOS_ESCALATE_T2_SECONDS"`
	SosMaxResponders int           `env:"SOS_MAX_RESPONDERS"`

	// 位置索引过期清理
	StaleMaxAgeMinutes int    `env:"STALE_MAX_AGE_MINUTES"`
	StaleCleanupCron   string `env:"STALE_CLEANUP_CRON"`

	// 数据库备份，空表达式关闭
	BackupSchedule string `env:"BACKUP_SCHEDULE"`
	BackupPath     string `env:"BACKUP_PATH"`

	// 跑者检索索引文件，空则内存索引
	SearchIndexPath string `env:"SEARCH_INDEX_PATH"`

	// 对象存储: "minio" 或 "memory"
	StorageType string `env:"STORAGE_TYPE"`

	Log logger.LogConfig
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	err := util.LoadEnv(env)
	if err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	// 2. 加载全局配置
	GlobalConfig = &Config{
		Addr:      util.GetEnvDefault("ADDR", ":8080"),
		Mode:      util.GetEnvDefault("MODE", "debug"),
		APIPrefix: util.GetEnvDefault("API_PREFIX", "/api/v1"),

		DBDriver: util.GetEnv("DB_DRIVER"),
		DSN:      util.GetEnv("DSN"),

		RedisAddr:     util.GetEnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: util.GetEnv("REDIS_PASSWORD"),
		RedisDB:       int(util.GetIntEnv("REDIS_DB")),

		GeoIndexType: util.GetEnvDefault("GEOINDEX_TYPE", "redis"),

		APISecretKey:      util.GetEnv("API_SECRET_KEY"),
		MaxAccuracyMeters: util.GetFloatEnvDefault("MAX_ACCURACY_METERS", 500),
		MaxPlausibleSpeed: util.GetFloatEnvDefault("MAX_PLAUSIBLE_SPEED", 12.5),

		SosVerifyTimeout: time.Duration(util.GetIntEnvDefault("SOS_VERIFY_TIMEOUT_SECONDS", 10)) * time.Second,
		SosEscalateT1:    time.Duration(util.GetIntEnvDefault("SOS_ESCALATE_T1_SECONDS", 30)) * time.Second,
		SosEscalateT2:    time.Duration(util.GetIntEnvDefault("SOS_ESCALATE_T2_SECONDS", 60)) * time.Second,
		SosMaxResponders: int(util.GetIntEnvDefault("SOS_MAX_RESPONDERS", 5)),

		StaleMaxAgeMinutes: int(util.GetIntEnvDefault("STALE_MAX_AGE_MINUTES", 10)),
		StaleCleanupCron:   util.GetEnvDefault("STALE_CLEANUP_CRON", "@every 5m"),

		BackupSchedule: util.GetEnv("BACKUP_SCHEDULE"),
		BackupPath:     util.GetEnvDefault("BACKUP_PATH", "backups"),

		SearchIndexPath: util.GetEnv("SEARCH_INDEX_PATH"),

		StorageType: util.GetEnvDefault("STORAGE_TYPE", "minio"),

		Log: logger.LogConfig{
			Level:      util.GetEnv("LOG_LEVEL"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
	}
	return nil
}
