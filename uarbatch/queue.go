package uarbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/uar_backend/models"
	"github.com/sirupsen/logrus"
)

// Queue is the notification candidate queue.
type Queue struct {
	store  NotificationStore
	logger *logrus.Logger
}

func NewQueue(store NotificationStore, logger *logrus.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// QueueNotification inserts candidate as PENDING. With checkDuplicates it is a
// no-op (queued=false) when the (requestId, itemCode) pair was already
// delivered or is still queued.
func (q *Queue) QueueNotification(ctx context.Context, candidate models.NotificationCandidate, checkDuplicates bool) (queued bool, err error) {
	if candidate.RequestId == "" || candidate.ItemCode == "" {
		return false, fmt.Errorf("queue notification: request id and item code are required")
	}
	fields := logrus.Fields{
		"module":      "queue",
		"request_id":  candidate.RequestId,
		"item_code":   candidate.ItemCode,
		"approver_id": candidate.ApproverId,
	}

	if checkDuplicates {
		hist, err := q.store.FindNotificationHistory(ctx, candidate.RequestId, candidate.ItemCode)
		if err != nil {
			return false, fmt.Errorf("find notification history: %w", err)
		}
		if hist != nil {
			q.logger.WithFields(fields).Debug("already notified; skipping")
			return false, nil
		}
		open, err := q.store.FindOpenCandidate(ctx, candidate.RequestId, candidate.ItemCode)
		if err != nil {
			return false, fmt.Errorf("find open candidate: %w", err)
		}
		if open != nil {
			q.logger.WithFields(fields).Debug("already queued; skipping")
			return false, nil
		}
	}

	candidate.ID = 0
	candidate.Status = models.CandidateStatusPending
	candidate.Attempts = 0
	candidate.NextAttemptAt = nil
	candidate.LockedAt = nil
	candidate.LockedBy = nil
	candidate.LastError = nil
	candidate.DedupKey = nil
	if checkDuplicates {
		key := models.CandidateDedupKey(candidate.RequestId, candidate.ItemCode)
		candidate.DedupKey = &key
	}
	if err := q.store.InsertNotificationCandidate(ctx, &candidate); err != nil {
		// A concurrent enqueue of the same pair won the unique dedup key.
		if checkDuplicates && models.IsDuplicateKeyErr(err) {
			q.logger.WithFields(fields).Debug("already queued concurrently; skipping")
			return false, nil
		}
		return false, fmt.Errorf("insert notification candidate: %w", err)
	}
	q.logger.WithFields(fields).Debug("notification queued")
	return true, nil
}

// QueueCompletion enqueues the one-shot UAR_COMPLETED notification. It skips
// the duplicate check: completion follows a single approval action.
func (q *Queue) QueueCompletion(ctx context.Context, requestId, approverId string, dueDate *time.Time) error {
	_, err := q.QueueNotification(ctx, models.NotificationCandidate{
		RequestId:  requestId,
		ItemCode:   models.ItemCodeUarCompleted,
		ApproverId: approverId,
		DueDate:    dueDate,
	}, false)
	return err
}

func dueDateFor(createdAt time.Time, dueDays int) time.Time {
	y, m, d := createdAt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, createdAt.Location()).AddDate(0, 0, dueDays)
}
