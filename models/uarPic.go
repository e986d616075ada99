package models

import "time"

// UarPic is a division person-in-charge pulled from the upstream directories.
// Required fields are enforced by the sync validation filter.
type UarPic struct {
	ID         string    `gorm:"primary_key;size:50" json:"id" validate:"required"`
	PicName    *string   `gorm:"size:255" json:"picName" validate:"required"`
	DivisionId *string   `gorm:"size:20;index" json:"divisionId" validate:"required"`
	Mail       *string   `gorm:"size:255" json:"mail" validate:"required"`
	TeamsId    *string   `gorm:"size:255" json:"teamsId"`
	Source     string    `gorm:"size:20" json:"source"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}
