package uarbatch

import "context"

const (
	JobTaskCreation = "task_creation"
	JobSync         = "sync"
	JobDispatch     = "dispatch"
	JobReminder     = "reminder"
)

// RegisterJobs wires the workers onto the scheduler: task creation, sync and
// dispatch on the frequent tick, reminder escalation on the daily one.
func RegisterJobs(s *Scheduler, wc *WorkerContext) error {
	tick := wc.Config.TickSchedule
	daily := wc.Config.DailySchedule

	if err := s.OnTick(tick, JobTaskCreation, func(ctx context.Context) error { return RunTaskCreation(ctx, wc) }); err != nil {
		return err
	}
	if err := s.OnTick(tick, JobSync, func(ctx context.Context) error { return RunSync(ctx, wc) }); err != nil {
		return err
	}
	if err := s.OnTick(tick, JobDispatch, func(ctx context.Context) error { return RunDispatch(ctx, wc) }); err != nil {
		return err
	}
	return s.OnTick(daily, JobReminder, func(ctx context.Context) error { return RunReminders(ctx, wc) })
}
