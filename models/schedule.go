package models

import "time"

// UarSchedule marks the day an application's access review opens.
type UarSchedule struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	ApplicationId string    `gorm:"size:20;not null;index" json:"application_id"`
	DivisionId    *string   `gorm:"size:20" json:"division_id"`
	ReviewDate    time.Time `gorm:"type:date;not null;index" json:"review_date"`
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`
}

// EligibleApplication is an application whose review opens today.
type EligibleApplication struct {
	ApplicationId string
	DivisionId    *string
}

// SyncSchedule is a yearly day window (month/day, wraps across the year end)
// during which the PIC directories are synced.
type SyncSchedule struct {
	ID         uint   `gorm:"primary_key" json:"id"`
	Name       string `gorm:"size:100" json:"name"`
	StartMonth int    `gorm:"not null" json:"start_month"`
	StartDay   int    `gorm:"not null" json:"start_day"`
	EndMonth   int    `gorm:"not null" json:"end_month"`
	EndDay     int    `gorm:"not null" json:"end_day"`
	IsActive   bool   `gorm:"not null;default:true" json:"is_active"`
}

// ActiveOn reports whether day falls inside the window, inclusive.
func (s SyncSchedule) ActiveOn(day time.Time) bool {
	start := s.StartMonth*100 + s.StartDay
	end := s.EndMonth*100 + s.EndDay
	today := int(day.Month())*100 + day.Day()
	if start <= end {
		return today >= start && today <= end
	}
	return today >= start || today <= end
}

// ApplicationOwner designates the System Owner approver of an application.
type ApplicationOwner struct {
	ID            uint   `gorm:"primary_key" json:"id"`
	ApplicationId string `gorm:"size:20;not null;uniqueIndex" json:"application_id"`
	OwnerNoreg    string `gorm:"size:20;not null" json:"owner_noreg"`
}
