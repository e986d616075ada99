package uarbatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/uar_backend/config"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Handler is one scheduled job body.
type Handler func(ctx context.Context) error

// Scheduler fires named handlers on cron cadences. Each firing runs in its own
// goroutine; a slow job never delays another job. A TickGuard, when set, skips
// a firing while the previous one of the same job is still running.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	guard   TickGuard
	lockTTL time.Duration

	mu       sync.RWMutex
	jobs     map[string]Handler
	ctx      context.Context
	wg       sync.WaitGroup
	stopping bool
}

func NewScheduler(ctx context.Context, logger *logrus.Logger, guard TickGuard, lockTTL time.Duration) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cron.PrintfLogger(logger))),
		logger:  logger,
		guard:   guard,
		lockTTL: lockTTL,
		jobs:    map[string]Handler{},
		ctx:     ctx,
	}
}

// OnTick registers handler under name on a cron cadence ("@every 1m", "55 23 * * *").
func (s *Scheduler) OnTick(cadence string, name string, handler Handler) error {
	s.mu.Lock()
	if _, exists := s.jobs[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = handler
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(cadence, func() { s.fire(name) }); err != nil {
		s.mu.Lock()
		delete(s.jobs, name)
		s.mu.Unlock()
		return fmt.Errorf("schedule %q (%s): %w", name, cadence, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron and waits for running jobs, up to ctx. Triggers after
// Stop are refused.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger fires a job now, detached, exactly as a cron tick would.
func (s *Scheduler) Trigger(name string) error {
	if !s.has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !s.fire(name) {
		return ErrSchedulerStopped
	}
	return nil
}

// RunNow runs a job synchronously and returns its error. A panic is
// recovered and returned as an error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	handler, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, name, handler)
}

func (s *Scheduler) has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[name]
	return ok
}

// fire starts the job in the background and reports whether it did. wg.Add
// happens under the read lock so it never races with Stop's Wait.
func (s *Scheduler) fire(name string) bool {
	s.mu.RLock()
	handler, ok := s.jobs[name]
	if !ok || s.stopping {
		s.mu.RUnlock()
		return false
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	go func() {
		defer s.wg.Done()
		if err := s.run(s.ctx, name, handler); err != nil {
			config.LogError(s.logger, "scheduler", "fire", name, nil, err)
		}
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, name string, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
			s.logger.WithFields(logrus.Fields{
				"module": "scheduler",
				"job":    name,
				"stack":  string(debug.Stack()),
			}).Error(err.Error())
		}
	}()

	if s.guard != nil {
		release, ok, gerr := s.guard.Acquire(ctx, name, s.lockTTL)
		if gerr != nil {
			return fmt.Errorf("acquire tick guard: %w", gerr)
		}
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"module": "scheduler",
				"job":    name,
			}).Debug("previous run still active; skipping tick")
			return nil
		}
		defer release()
	}

	start := time.Now()
	err = handler(ctx)
	s.logger.WithFields(logrus.Fields{
		"module":  "scheduler",
		"job":     name,
		"latency": time.Since(start).String(),
	}).Debug("job finished")
	return err
}
