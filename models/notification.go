package models

import "time"

// NotificationCandidate is a queued, not yet dispatched notification.
// Status: PENDING|PROCESSING|SENT|FAILED
// DedupKey is set only for deduplicated enqueues; MySQL allows many NULLs under
// the unique index, so one-shot notifications never collide.
type NotificationCandidate struct {
	ID            uint       `gorm:"primary_key;index:idx_candidate_claim,priority:3" json:"id"`
	RequestId     string     `gorm:"size:200;not null;index:idx_candidate_key,priority:1" json:"request_id"`
	ItemCode      string     `gorm:"size:50;not null;index:idx_candidate_key,priority:2" json:"item_code"`
	ApproverId    string     `gorm:"size:50;not null" json:"approver_id"`
	DueDate       *time.Time `json:"due_date"`
	LinkDetail    *string    `gorm:"size:500" json:"link_detail"`
	Status        string     `gorm:"size:20;not null;default:'PENDING';index:idx_candidate_claim,priority:1" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index:idx_candidate_claim,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	LastError     *string    `gorm:"type:text" json:"last_error"`
	DedupKey      *string    `gorm:"size:255;uniqueIndex:idx_candidate_dedup" json:"-"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NotificationHistory is the append-only ledger of delivered notifications.
// A row for (RequestId, ItemCode) marks that pair as already notified.
type NotificationHistory struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	RequestId string    `gorm:"size:200;not null;index:idx_history_key,priority:1" json:"request_id"`
	ItemCode  string    `gorm:"size:50;not null;index:idx_history_key,priority:2" json:"item_code"`
	Channel   string    `gorm:"size:20;not null" json:"channel"`
	Recipient string    `gorm:"size:255" json:"recipient"`
	Status    string    `gorm:"size:20;not null" json:"status"`
	SentAt    time.Time `gorm:"index" json:"sent_at"`
}

// NotificationTemplate maps an item code to per-channel subject and body code.
type NotificationTemplate struct {
	ID       uint    `gorm:"primary_key" json:"id"`
	ItemCode string  `gorm:"size:50;not null;uniqueIndex:idx_template_key,priority:1" json:"item_code"`
	Locale   string  `gorm:"size:10;not null;uniqueIndex:idx_template_key,priority:2" json:"locale"`
	Channel  string  `gorm:"size:20;not null;uniqueIndex:idx_template_key,priority:3" json:"channel"`
	Subject  string  `gorm:"size:255" json:"subject"`
	BodyCode string  `gorm:"size:100" json:"body_code"`
	CcEmail  *string `gorm:"size:255" json:"cc_email"`
	IsActive bool    `gorm:"not null;default:true" json:"is_active"`
}

// Recipient is the resolved contact for an approver.
type Recipient struct {
	Email   string `json:"email"`
	TeamsId string `json:"teams_id"`
}
