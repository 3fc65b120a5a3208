package listeners

import (
	"context"
	"time"

	"HibiscusTrack/internal/models"
	"HibiscusTrack/pkg/logger"
	"HibiscusTrack/pkg/notification"
	"HibiscusTrack/pkg/search"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InitProfileListeners 档案变更后的副作用：新档案推送入门提示，
// 检索索引跟随建档与改名实时更新。走 gorm 回调，事务提交后异步执行，
// 失败只记日志不影响业务。
func InitProfileListeners(db *gorm.DB, notifier notification.Gateway, engine search.Engine) {
	err := db.Callback().Create().After("gorm:create").Register("hibiscus_track:profile_created", func(tx *gorm.DB) {
		if tx.Error != nil {
			return
		}
		profile, ok := tx.Statement.Dest.(*models.UserProfile)
		if !ok || profile.UserID == "" {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			notifier.NotifyUser(ctx, profile.UserID, notification.Message{
				Title: "欢迎加入",
				Body:  "开启位置共享后即可看到附近跑者，长按地图可发起 SOS。",
			})
			indexProfile(ctx, engine, profile)
		}()
	})
	if err != nil {
		logger.Warn("register profile create listener failed", zap.Error(err))
	}

	err = db.Callback().Update().After("gorm:update").Register("hibiscus_track:profile_updated", func(tx *gorm.DB) {
		if tx.Error != nil {
			return
		}
		profile, ok := tx.Statement.Dest.(*models.UserProfile)
		if !ok || profile.UserID == "" {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			indexProfile(ctx, engine, profile)
		}()
	})
	if err != nil {
		logger.Warn("register profile update listener failed", zap.Error(err))
	}
}

// BackfillSearchIndex 启动时全量重建检索索引
func BackfillSearchIndex(ctx context.Context, db *gorm.DB, engine search.Engine) error {
	var profiles []models.UserProfile
	if err := db.WithContext(ctx).Find(&profiles).Error; err != nil {
		return err
	}

	docs := make([]search.ProfileDoc, 0, len(profiles))
	for _, p := range profiles {
		docs = append(docs, search.ProfileDoc{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Active:      p.Active,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	return engine.IndexBatch(ctx, docs)
}

func indexProfile(ctx context.Context, engine search.Engine, p *models.UserProfile) {
	if engine == nil {
		return
	}
	err := engine.Index(ctx, search.ProfileDoc{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Active:      p.Active,
	})
	if err != nil {
		logger.Warn("index profile failed", zap.String("user_id", p.UserID), zap.Error(err))
	}
}
