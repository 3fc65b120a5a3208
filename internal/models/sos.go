package models

import "time"

// AlertStatus SOS 警报状态
type AlertStatus string

const (
	AlertPendingVerification AlertStatus = "PENDING_VERIFICATION"
	AlertActive              AlertStatus = "ACTIVE"
	AlertEscalated           AlertStatus = "ESCALATED"
	AlertAcknowledged        AlertStatus = "ACKNOWLEDGED"
	AlertResolved            AlertStatus = "RESOLVED"
	AlertFalseAlarm          AlertStatus = "FALSE_ALARM"
)

// IsTerminal 终态：RESOLVED 和 FALSE_ALARM
func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertFalseAlarm
}

// SosAlert SOS 警报。不变量：同一用户同时至多一条非终态警报
type SosAlert struct {
	ID          string      `gorm:"primaryKey;size:36"`
	UserID      string      `gorm:"index;size:36"`
	SessionID   string      `gorm:"index;size:36"` // 触发时所在会话，可为空
	TriggerType string      `gorm:"size:32"`       // "manual" "fall_detect" "no_movement"
	Status      AlertStatus `gorm:"index;size:32"`

	// 1=初始 2=无人响应 3=联系紧急服务
	EscalationLevel int

	// 精确位置只给高升级层级和前几位接受的响应者
	Latitude  float64
	Longitude float64
	// 模糊位置（随机偏移 100-300 米）用于所有面向响应者的广播
	FuzzedLatitude  float64
	FuzzedLongitude float64

	Battery *int
	Notes   string `gorm:"size:512"`

	TriggeredAt time.Time
	VerifiedAt  *time.Time
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResponderStatus 响应者状态
type ResponderStatus string

const (
	ResponderNotified ResponderStatus = "NOTIFIED"
	ResponderAccepted ResponderStatus = "ACCEPTED"
	ResponderDeclined ResponderStatus = "DECLINED"
	ResponderEnRoute  ResponderStatus = "EN_ROUTE"
	ResponderArrived  ResponderStatus = "ARRIVED"
)

// SosResponder 警报的候选响应者，(AlertID, ResponderID) 唯一
type SosResponder struct {
	ID          uint            `gorm:"primaryKey"`
	AlertID     string          `gorm:"index:idx_alert_responder,unique;size:36"`
	ResponderID string          `gorm:"index:idx_alert_responder,unique;size:36"`
	Status      ResponderStatus `gorm:"size:16"`

	// 通知时与警报位置的距离
	DistanceMeters float64

	NotifiedAt     time.Time
	AcknowledgedAt *time.Time
	ArrivedAt      *time.Time
}
