package backup

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"HibiscusTrack/pkg/config"
	"HibiscusTrack/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartBackupScheduler 启动备份调度器，按配置的 cron 表达式执行
func StartBackupScheduler() *cron.Cron {
	c := cron.New()

	schedule := config.GlobalConfig.BackupSchedule
	if schedule == "" {
		return c
	}

	_, err := c.AddFunc(schedule, func() {
		if err := ExecuteBackup(); err != nil {
			logger.Warn("backup failed", zap.Error(err))
		} else {
			logger.Info("backup completed")
		}
	})
	if err != nil {
		logger.Warn("invalid backup schedule", zap.String("schedule", schedule), zap.Error(err))
		return c
	}

	c.Start()
	return c
}

// ExecuteBackup 根据配置执行数据库备份
func ExecuteBackup() error {
	stamp := time.Now().Format("20060102_150405")
	switch config.GlobalConfig.DBDriver {
	case "sqlite":
		dst := filepath.Join(config.GlobalConfig.BackupPath, fmt.Sprintf("track_backup_%s.db", stamp))
		return BackupSQLiteDatabase(config.GlobalConfig.DSN, dst)
	case "mysql":
		dst := filepath.Join(config.GlobalConfig.BackupPath, fmt.Sprintf("track_backup_%s.sql", stamp))
		return BackupMySQLDatabase(config.GlobalConfig.DSN, dst)
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", config.GlobalConfig.DBDriver)
	}
}

// BackupSQLiteDatabase 复制 SQLite 数据库文件
func BackupSQLiteDatabase(src string, dst string) error {
	if err := ensureDir(dst); err != nil {
		return err
	}

	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening source file: %v", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating destination file: %v", err)
	}
	defer destFile.Close()

	if _, err = io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("error copying data: %v", err)
	}

	logger.Info("sqlite backup written", zap.String("dst", dst))
	return nil
}

// BackupMySQLDatabase 经 mysqldump 导出
func BackupMySQLDatabase(dsn, dst string) error {
	if err := ensureDir(dst); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating destination file: %v", err)
	}
	defer out.Close()

	cmd := exec.Command("mysqldump", dsn)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to backup MySQL database: %v", err)
	}

	logger.Info("mysql backup written", zap.String("dst", dst))
	return nil
}

func ensureDir(dst string) error {
	backupDir := filepath.Dir(dst)
	if _, err := os.Stat(backupDir); os.IsNotExist(err) {
		if err := os.MkdirAll(backupDir, os.ModePerm); err != nil {
			return fmt.Errorf("failed to create backup directory: %v", err)
		}
	}
	return nil
}
