package uarbatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/uar_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// TaskCreationResult summarizes one task creation tick.
type TaskCreationResult struct {
	Applications int
	Created      int
	Consumed     int
	Notified     int
	Failed       int
}

// RunTaskCreation turns the pending access mappings of every application whose
// review opens today into review tasks. One application failing does not stop
// the others.
func RunTaskCreation(ctx context.Context, wc *WorkerContext) error {
	ctx, log, span := beginTick(ctx, wc, JobTaskCreation)
	defer span.End()

	now := wc.Clock.Now()
	apps, err := wc.Store.ListEligibleApplications(ctx, now)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list eligible applications: %w", err)
	}

	res := TaskCreationResult{Applications: len(apps)}
	for _, app := range apps {
		appLog := log.WithField("application_id", app.ApplicationId)
		out, err := createTasksForApplication(ctx, wc, appLog, app, now)
		if err != nil {
			res.Failed++
			appLog.Error("task creation failed: " + err.Error())
			continue
		}
		res.Created += out.Created
		res.Consumed += out.Consumed
		res.Notified += out.Notified
	}

	span.SetAttributes(
		attribute.Int("uar.applications", res.Applications),
		attribute.Int("uar.tasks_created", res.Created),
	)
	log.WithFields(logrus.Fields{
		"applications": res.Applications,
		"created":      res.Created,
		"consumed":     res.Consumed,
		"notified":     res.Notified,
		"failed":       res.Failed,
	}).Info("task creation run finished")
	wc.monitor().Emit(ctx, MonitorEvent{
		Kind: MonitorKindTick,
		Job:  JobTaskCreation,
		Counts: map[string]int{
			"applications": res.Applications,
			"created":      res.Created,
			"consumed":     res.Consumed,
			"notified":     res.Notified,
			"failed":       res.Failed,
		},
	})
	return nil
}

func createTasksForApplication(ctx context.Context, wc *WorkerContext, log *logrus.Entry, app models.EligibleApplication, now time.Time) (TaskCreationResult, error) {
	var out TaskCreationResult

	mappings, err := wc.Store.ListPendingAccessMappings(ctx, app.ApplicationId)
	if err != nil {
		return out, fmt.Errorf("list pending access mappings: %w", err)
	}
	if len(mappings) == 0 {
		log.Debug("no pending access mappings")
		return out, nil
	}

	noregs := make([]string, 0, len(mappings))
	for _, m := range mappings {
		noregs = append(noregs, m.Noreg)
	}
	employees, err := wc.Store.FindEmployeesByNoreg(ctx, models.NormalizeNoregs(noregs), now)
	if err != nil {
		return out, fmt.Errorf("find employees: %w", err)
	}
	byNoreg := models.LatestValidByNoreg(employees)

	owner, err := wc.Store.FindSystemOwner(ctx, app.ApplicationId)
	if err != nil {
		return out, fmt.Errorf("find system owner: %w", err)
	}
	if owner == "" {
		log.Warn("application has no system owner; tasks will be created without a reviewer")
	}

	period := UarPeriod(now)
	uarId := BuildUarId(period, app.ApplicationId)
	tasks := make([]models.ReviewTask, 0, len(mappings))
	ids := make([]uint, 0, len(mappings))
	for _, m := range mappings {
		tasks = append(tasks, buildReviewTask(m, byNoreg, period, uarId, owner, now))
		ids = append(ids, m.ID)
	}

	inserted, consumed, err := wc.Store.CreateTasksAndConsume(ctx, app.ApplicationId, tasks, ids)
	if err != nil {
		return out, fmt.Errorf("create tasks: %w", err)
	}
	out.Created = int(inserted)
	out.Consumed = int(consumed)
	if inserted == 0 {
		log.WithField("uar_id", uarId).Debug("all tasks already exist; mappings left pending")
		return out, nil
	}
	if int(consumed) != len(mappings) {
		log.WithFields(logrus.Fields{
			"uar_id":   uarId,
			"mappings": len(mappings),
			"consumed": consumed,
		}).Warn("not every mapping was flipped to consumed")
	}

	out.Notified = notifyCreatedTasks(ctx, wc, log, tasks)
	log.WithFields(logrus.Fields{
		"uar_id":   uarId,
		"created":  out.Created,
		"notified": out.Notified,
	}).Info("review tasks created")
	return out, nil
}

// buildReviewTask never fails on missing employee data; the positional fields stay nil.
func buildReviewTask(m models.AccessMapping, byNoreg map[string]models.Employee, period, uarId, reviewer string, now time.Time) models.ReviewTask {
	task := models.ReviewTask{
		UarPeriod:        period,
		UarId:            uarId,
		ApplicationId:    m.ApplicationId,
		Username:         m.Username,
		RoleId:           m.RoleId,
		Noreg:            m.Noreg,
		ReviewerNoreg:    reviewer,
		SoApprovalStatus: models.SoApprovalPending,
		CreatedAt:        now,
	}
	if e, ok := byNoreg[m.Noreg]; ok {
		name := e.Name
		task.Name = &name
		task.PositionName = e.PositionName
		task.DivisionId = e.DivisionId
		task.DepartmentId = e.DepartmentId
	}
	return task
}

// notifyCreatedTasks queues one UAR_CREATED per task for its application's
// System Owner and returns how many were queued.
func notifyCreatedTasks(ctx context.Context, wc *WorkerContext, log *logrus.Entry, tasks []models.ReviewTask) int {
	byApp := make(map[string][]models.ReviewTask)
	order := make([]string, 0)
	for _, t := range tasks {
		if _, ok := byApp[t.ApplicationId]; !ok {
			order = append(order, t.ApplicationId)
		}
		byApp[t.ApplicationId] = append(byApp[t.ApplicationId], t)
	}

	queued := 0
	for _, appId := range order {
		approver, err := wc.Store.FindSystemOwner(ctx, appId)
		if err != nil {
			log.WithField("application_id", appId).Error("resolve approver failed: " + err.Error())
			continue
		}
		if approver == "" {
			log.WithField("application_id", appId).Warn("no system owner approver; UAR_CREATED not queued")
			continue
		}
		for _, t := range byApp[appId] {
			due := dueDateFor(t.CreatedAt, wc.Config.ReviewDueDays)
			ok, err := wc.Queue.QueueNotification(ctx, models.NotificationCandidate{
				RequestId:  models.TaskRequestId(t.UarId, t.Username, t.RoleId),
				ItemCode:   models.ItemCodeUarCreated,
				ApproverId: approver,
				DueDate:    &due,
			}, true)
			if err != nil {
				log.WithFields(logrus.Fields{
					"uar_id":   t.UarId,
					"username": t.Username,
					"role_id":  t.RoleId,
				}).Error("queue UAR_CREATED failed: " + err.Error())
				continue
			}
			if ok {
				queued++
			}
		}
	}
	return queued
}
