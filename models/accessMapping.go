package models

import "time"

// AccessMapping links a user and role to an application. It is owned by the
// system of record; the batch only reads it and flips ProcessStatus.
type AccessMapping struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	ApplicationId string    `gorm:"size:20;not null;index:idx_access_mapping_app_status,priority:1" json:"application_id"`
	Noreg         string    `gorm:"size:20;not null;index" json:"noreg"`
	Username      string    `gorm:"size:100;not null" json:"username"`
	RoleId        string    `gorm:"size:100;not null" json:"role_id"`
	CompanyCd     string    `gorm:"size:20" json:"company_cd"`
	ProcessStatus string    `gorm:"size:20;not null;default:'PENDING';index:idx_access_mapping_app_status,priority:2" json:"process_status"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
