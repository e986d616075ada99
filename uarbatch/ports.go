package uarbatch

import (
	"context"
	"time"

	"github.com/mmdatafocus/uar_backend/models"
)

type ScheduleReader interface {
	ListEligibleApplications(ctx context.Context, today time.Time) ([]models.EligibleApplication, error)
	ListEligibleSyncSchedules(ctx context.Context, today time.Time) ([]models.SyncSchedule, error)
}

type TaskStore interface {
	ListPendingAccessMappings(ctx context.Context, applicationId string) ([]models.AccessMapping, error)
	CreateTasksAndConsume(ctx context.Context, applicationId string, tasks []models.ReviewTask, mappingIds []uint) (inserted int64, consumed int64, err error)
	FindSystemOwner(ctx context.Context, applicationId string) (string, error)
	ListPendingReminderRows(ctx context.Context, today time.Time) ([]models.ReminderRow, error)
}

type Directory interface {
	FindEmployeesByNoreg(ctx context.Context, noregs []string, asOf time.Time) ([]models.Employee, error)
	FindPic(ctx context.Context, id string) (*models.UarPic, error)
	ResolveTemplate(ctx context.Context, itemCode, locale, channel string) (*models.NotificationTemplate, error)
}

type PicStore interface {
	ListPicIds(ctx context.Context) ([]string, error)
	InsertPics(ctx context.Context, pics []models.UarPic) (int64, error)
}

type NotificationStore interface {
	FindNotificationHistory(ctx context.Context, requestId, itemCode string) (*models.NotificationHistory, error)
	FindOpenCandidate(ctx context.Context, requestId, itemCode string) (*models.NotificationCandidate, error)
	InsertNotificationCandidate(ctx context.Context, candidate *models.NotificationCandidate) error
	ClaimPendingCandidates(ctx context.Context, opts models.ClaimOptions) ([]models.NotificationCandidate, error)
	MarkCandidateSent(ctx context.Context, id uint) error
	MarkCandidateFailed(ctx context.Context, id uint, errMsg string, nextAttemptAt *time.Time) error
	InsertNotificationHistory(ctx context.Context, rows []models.NotificationHistory) error
}

// Store is everything the workers need from persistence; *models.Repository implements it.
type Store interface {
	ScheduleReader
	TaskStore
	Directory
	PicStore
	NotificationStore
}

var _ Store = (*models.Repository)(nil)
