package models

import (
	"HibiscusTrack/pkg/middleware"

	"gorm.io/gorm"
)

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LocationSample{},
		&RunSession{},
		&RunParticipant{},
		&UserProfile{},
		&EmergencyContact{},
		&SosAlert{},
		&SosResponder{},
		&middleware.AuditLog{},
	)
}
