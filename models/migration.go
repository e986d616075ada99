package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table the batch touches. The access
// mapping, employee and schedule tables belong to other systems in production;
// migrating them keeps local and test databases self-contained.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&AccessMapping{},
		&ApplicationOwner{},
		&Employee{},
		&NotificationCandidate{},
		&NotificationHistory{},
		&NotificationTemplate{},
		&ReviewTask{},
		&SyncSchedule{},
		&UarPic{},
		&UarSchedule{},
	)
}
