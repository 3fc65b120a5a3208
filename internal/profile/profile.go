package profile

import (
	"context"

	"HibiscusTrack/internal/models"
	"HibiscusTrack/pkg/errors"

	"gorm.io/gorm"
)

// Reader 用户资料只读协作方：可见性开关、匿名、账号状态
type Reader interface {
	// Get 单个用户资料，不存在时返回 CodeNotFound
	Get(ctx context.Context, userID string) (*models.UserProfile, error)

	// GetBatch 批量拉取，缺失的用户不在结果里
	GetBatch(ctx context.Context, userIDs []string) (map[string]*models.UserProfile, error)

	// EmergencyContacts 用户的紧急联系人
	EmergencyContacts(ctx context.Context, userID string) ([]string, error)
}

type gormReader struct {
	db *gorm.DB
}

// NewReader 基于数据库的资料读取器
func NewReader(db *gorm.DB) Reader {
	return &gormReader{db: db}
}

func (r *gormReader) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.WithCodef(errors.CodeNotFound, "profile not found: %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query profile")
	}
	return &p, nil
}

func (r *gormReader) GetBatch(ctx context.Context, userIDs []string) (map[string]*models.UserProfile, error) {
	if len(userIDs) == 0 {
		return map[string]*models.UserProfile{}, nil
	}

	var rows []models.UserProfile
	if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query profiles")
	}

	out := make(map[string]*models.UserProfile, len(rows))
	for i := range rows {
		out[rows[i].UserID] = &rows[i]
	}
	return out, nil
}

func (r *gormReader) EmergencyContacts(ctx context.Context, userID string) ([]string, error) {
	var rows []models.EmergencyContact
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("priority asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query emergency contacts")
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ContactUserID)
	}
	return out, nil
}
