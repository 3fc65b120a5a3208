package models

import "time"

// LocationSample 位置采样，按用户只追加、不修改
type LocationSample struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"index;size:36"`
	SessionID string `gorm:"index;size:36"` // 所属跑团会话，可为空
	SoloRunID string `gorm:"index;size:36"` // 单人跑，可为空

	Latitude  float64
	Longitude float64
	Altitude  *float64
	Accuracy  *float64 // 米
	Speed     *float64 // m/s
	Heading   *float64 // 度
	Battery   *int
	Signature string `gorm:"size:128"` // 可选的 HMAC 签名，防重放

	// 隐含速度超限的样本：保留但打标，下游自行决定如何处理
	IsAnomalous bool

	RecordedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// RunSession 跑团会话
type RunSession struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:128"`
	Status    string `gorm:"size:16"` // "active" "finished"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunParticipant 会话成员
type RunParticipant struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index:idx_session_user,unique;size:36"`
	UserID    string `gorm:"index:idx_session_user,unique;size:36"`
	JoinedAt  time.Time
	LeftAt    *time.Time
}

// UserProfile 用户资料（只读协作方：可见性开关、匿名、账号状态）
type UserProfile struct {
	UserID          string `gorm:"primaryKey;size:36"`
	DisplayName     string `gorm:"size:64"`
	AvatarURL       string `gorm:"size:256"`
	LocationVisible bool   // 是否允许被附近的人看到
	Anonymous       bool   // 匿名模式：隐藏姓名/头像/精确位置
	Active          bool
}

// EmergencyContact 紧急联系人目录，SOS 全量广播时使用
type EmergencyContact struct {
	ID            uint   `gorm:"primaryKey"`
	UserID        string `gorm:"index:idx_user_contact,unique;size:36"`
	ContactUserID string `gorm:"index:idx_user_contact,unique;size:36"`
	Priority      int
	CreatedAt     time.Time
}
