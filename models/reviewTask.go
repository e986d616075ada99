package models

import "time"

// ReviewTask is one UAR System Owner task: a (uarId, application, user, role)
// unit awaiting approval.
type ReviewTask struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	UarPeriod        string    `gorm:"size:6;not null;index" json:"uar_period"`
	UarId            string    `gorm:"size:20;not null;uniqueIndex:idx_review_task_key,priority:1" json:"uar_id"`
	ApplicationId    string    `gorm:"size:20;not null;uniqueIndex:idx_review_task_key,priority:2" json:"application_id"`
	Username         string    `gorm:"size:100;not null;uniqueIndex:idx_review_task_key,priority:3" json:"username"`
	RoleId           string    `gorm:"size:100;not null;uniqueIndex:idx_review_task_key,priority:4" json:"role_id"`
	Noreg            string    `gorm:"size:20;index" json:"noreg"`
	Name             *string   `gorm:"size:255" json:"name"`
	PositionName     *string   `gorm:"size:255" json:"position_name"`
	DivisionId       *string   `gorm:"size:20" json:"division_id"`
	DepartmentId     *string   `gorm:"size:20" json:"department_id"`
	ReviewerNoreg    string    `gorm:"size:20;index" json:"reviewer_noreg"`
	SoApprovalStatus string    `gorm:"size:1;not null;default:'0';index" json:"so_approval_status"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReminderRow is a task still pending System Owner approval together with the
// last reminder code already sent for it.
type ReminderRow struct {
	UarId            string
	ApplicationId    string
	Username         string
	RoleId           string
	ReviewerNoreg    string
	CreatedAt        time.Time
	LastReminderCode *string
}
