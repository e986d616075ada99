package models

import (
	"fmt"
	"strings"
)

const (
	ProcessStatusPending  = "PENDING"
	ProcessStatusConsumed = "CONSUMED"
)

const (
	SoApprovalPending  = "0"
	SoApprovalApproved = "1"
	SoApprovalRejected = "2"
)

const (
	CandidateStatusPending    = "PENDING"
	CandidateStatusProcessing = "PROCESSING"
	CandidateStatusSent       = "SENT"
	CandidateStatusFailed     = "FAILED"
)

const (
	ChannelEmail = "EMAIL"
	ChannelTeams = "TEAMS"
)

const (
	ItemCodeUarCreated   = "UAR_CREATED"
	ItemCodeUarCompleted = "UAR_COMPLETED"

	reminderCodePrefix = "UAR_REMINDER_"

	// MaxReminderDay is the last day offset with a reminder code.
	MaxReminderDay = 7

	// Item codes with this prefix are addressed to a division PIC, not an employee.
	PicItemCodePrefix = "PIC"
)

// ReminderCode returns UAR_REMINDER_<day> for day in 1..MaxReminderDay, "" otherwise.
func ReminderCode(day int) string {
	if day < 1 || day > MaxReminderDay {
		return ""
	}
	return fmt.Sprintf("%s%d", reminderCodePrefix, day)
}

func IsReminderCode(itemCode string) bool {
	return strings.HasPrefix(itemCode, reminderCodePrefix)
}

func IsPicItemCode(itemCode string) bool {
	return strings.HasPrefix(strings.ToUpper(itemCode), PicItemCodePrefix)
}
