package uarbatch

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/uar_backend/models"
	"github.com/sirupsen/logrus"
)

// NextReminderCode returns the reminder to send for a task pending daysPending
// days whose last sent reminder is lastReminderCode ("" when none was sent).
// Escalation is strictly sequential: day N fires only right after day N-1, and
// day 1 only when nothing was sent. A missed day stalls the chain for good.
func NextReminderCode(daysPending int, lastReminderCode string) (string, bool) {
	code := models.ReminderCode(daysPending)
	if code == "" {
		return "", false
	}
	// ReminderCode(0) is "", so day 1 requires an empty history.
	if lastReminderCode != models.ReminderCode(daysPending-1) {
		return "", false
	}
	return code, true
}

// ReminderResult summarizes one nightly escalation run.
type ReminderResult struct {
	Scanned int
	Queued  int
	Skipped int
	Failed  int
}

// RunReminders escalates every task still pending System Owner approval.
func RunReminders(ctx context.Context, wc *WorkerContext) (err error) {
	ctx, log, span := beginTick(ctx, wc, JobReminder)
	defer span.End()

	today := wc.Clock.Now()
	rows, err := wc.Store.ListPendingReminderRows(ctx, today)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list pending reminder rows: %w", err)
	}

	var res ReminderResult
	res.Scanned = len(rows)
	for _, row := range rows {
		last := ""
		if row.LastReminderCode != nil {
			last = *row.LastReminderCode
		}
		if row.ReviewerNoreg == "" {
			res.Skipped++
			log.WithFields(logrus.Fields{
				"uar_id":         row.UarId,
				"application_id": row.ApplicationId,
				"username":       row.Username,
				"role_id":        row.RoleId,
			}).Warn("task has no reviewer; reminder not queued")
			continue
		}
		days := calendarDaysBetween(row.CreatedAt, today)
		code, ok := NextReminderCode(days, last)
		if !ok {
			res.Skipped++
			continue
		}

		due := dueDateFor(row.CreatedAt, wc.Config.ReviewDueDays)
		queued, qerr := wc.Queue.QueueNotification(ctx, models.NotificationCandidate{
			RequestId:  models.TaskRequestId(row.UarId, row.Username, row.RoleId),
			ItemCode:   code,
			ApproverId: row.ReviewerNoreg,
			DueDate:    &due,
		}, true)
		if qerr != nil {
			res.Failed++
			log.WithFields(logrus.Fields{
				"uar_id":    row.UarId,
				"username":  row.Username,
				"role_id":   row.RoleId,
				"item_code": code,
			}).Error("queue reminder failed: " + qerr.Error())
			continue
		}
		if queued {
			res.Queued++
		} else {
			res.Skipped++
		}
	}

	log.WithFields(logrus.Fields{
		"scanned": res.Scanned,
		"queued":  res.Queued,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Info("reminder run finished")
	wc.monitor().Emit(ctx, MonitorEvent{
		Kind: MonitorKindTick,
		Job:  JobReminder,
		Counts: map[string]int{
			"scanned": res.Scanned,
			"queued":  res.Queued,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		},
	})
	return nil
}
