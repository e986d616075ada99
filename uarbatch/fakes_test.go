package uarbatch

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/uar_backend/config"
	"github.com/mmdatafocus/uar_backend/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func strPtr(s string) *string { return &s }

// memStore is an in-memory Store for worker tests.
type memStore struct {
	mu sync.Mutex

	apps      []models.EligibleApplication
	schedules []models.SyncSchedule
	owners    map[string]string
	mappings  []models.AccessMapping
	tasks     []models.ReviewTask
	reminders []models.ReminderRow
	employees []models.Employee
	pics      map[string]models.UarPic
	templates []models.NotificationTemplate
	history   []models.NotificationHistory
	cands     []models.NotificationCandidate

	nextId           uint
	failMappingsFor  map[string]error
	failInsertPics   error
	insertCandidates int

	// hideOpen makes FindOpenCandidate miss, as a concurrent enqueue would.
	hideOpen bool
}

func newMemStore() *memStore {
	return &memStore{
		owners:          map[string]string{},
		pics:            map[string]models.UarPic{},
		failMappingsFor: map[string]error{},
	}
}

func (s *memStore) ListEligibleApplications(context.Context, time.Time) ([]models.EligibleApplication, error) {
	return s.apps, nil
}

func (s *memStore) ListEligibleSyncSchedules(_ context.Context, today time.Time) ([]models.SyncSchedule, error) {
	var out []models.SyncSchedule
	for _, sch := range s.schedules {
		if sch.IsActive && sch.ActiveOn(today) {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (s *memStore) ListPendingAccessMappings(_ context.Context, appId string) ([]models.AccessMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failMappingsFor[appId]; err != nil {
		return nil, err
	}
	var out []models.AccessMapping
	for _, m := range s.mappings {
		if m.ApplicationId == appId && m.ProcessStatus == models.ProcessStatusPending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) CreateTasksAndConsume(_ context.Context, appId string, tasks []models.ReviewTask, ids []uint) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, t := range tasks {
		dup := false
		for _, e := range s.tasks {
			if e.UarId == t.UarId && e.ApplicationId == t.ApplicationId && e.Username == t.Username && e.RoleId == t.RoleId {
				dup = true
				break
			}
		}
		if !dup {
			s.tasks = append(s.tasks, t)
			inserted++
		}
	}
	if inserted == 0 {
		return 0, 0, nil
	}
	want := map[uint]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var consumed int64
	for i := range s.mappings {
		m := &s.mappings[i]
		if want[m.ID] && m.ApplicationId == appId && m.ProcessStatus == models.ProcessStatusPending {
			m.ProcessStatus = models.ProcessStatusConsumed
			consumed++
		}
	}
	return inserted, consumed, nil
}

func (s *memStore) FindSystemOwner(_ context.Context, appId string) (string, error) {
	return s.owners[appId], nil
}

func (s *memStore) ListPendingReminderRows(context.Context, time.Time) ([]models.ReminderRow, error) {
	return s.reminders, nil
}

func (s *memStore) FindEmployeesByNoreg(_ context.Context, noregs []string, _ time.Time) ([]models.Employee, error) {
	want := map[string]bool{}
	for _, n := range noregs {
		want[n] = true
	}
	var out []models.Employee
	for _, e := range s.employees {
		if want[e.Noreg] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) FindPic(_ context.Context, id string) (*models.UarPic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pics[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memStore) ResolveTemplate(_ context.Context, itemCode, locale, channel string) (*models.NotificationTemplate, error) {
	for _, t := range s.templates {
		if t.ItemCode == itemCode && t.Locale == locale && t.Channel == channel && t.IsActive {
			t := t
			return &t, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListPicIds(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pics))
	for id := range s.pics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) InsertPics(_ context.Context, pics []models.UarPic) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertPics != nil {
		return 0, s.failInsertPics
	}
	var n int64
	for _, p := range pics {
		if _, ok := s.pics[p.ID]; ok {
			continue
		}
		s.pics[p.ID] = p
		n++
	}
	return n, nil
}

func (s *memStore) FindNotificationHistory(_ context.Context, requestId, itemCode string) (*models.NotificationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.history {
		if h.RequestId == requestId && h.ItemCode == itemCode {
			h := h
			return &h, nil
		}
	}
	return nil, nil
}

func (s *memStore) FindOpenCandidate(_ context.Context, requestId, itemCode string) (*models.NotificationCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideOpen {
		return nil, nil
	}
	for _, c := range s.cands {
		if c.RequestId == requestId && c.ItemCode == itemCode &&
			(c.Status != models.CandidateStatusFailed || c.NextAttemptAt != nil) {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertNotificationCandidate(_ context.Context, c *models.NotificationCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.DedupKey != nil {
		for _, e := range s.cands {
			if e.DedupKey != nil && *e.DedupKey == *c.DedupKey {
				return &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry for key 'idx_candidate_dedup'"}
			}
		}
	}
	s.nextId++
	c.ID = s.nextId
	s.cands = append(s.cands, *c)
	s.insertCandidates++
	return nil
}

func (s *memStore) ClaimPendingCandidates(_ context.Context, opts models.ClaimOptions) ([]models.NotificationCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NotificationCandidate
	for i := range s.cands {
		if len(out) >= opts.BatchSize {
			break
		}
		c := &s.cands[i]
		due := c.Status == models.CandidateStatusPending ||
			(c.Status == models.CandidateStatusFailed && c.NextAttemptAt != nil && !c.NextAttemptAt.After(opts.Now) && c.Attempts < opts.MaxAttempts) ||
			(c.Status == models.CandidateStatusProcessing && c.LockedAt != nil && c.LockedAt.Before(opts.StaleBefore))
		if !due {
			continue
		}
		if opts.MaxAttempts > 0 && c.Attempts >= opts.MaxAttempts {
			c.Status = models.CandidateStatusFailed
			c.LastError = strPtr("max dispatch attempts exceeded")
			c.NextAttemptAt, c.LockedAt, c.LockedBy, c.DedupKey = nil, nil, nil, nil
			continue
		}
		now := opts.Now
		c.Status = models.CandidateStatusProcessing
		c.Attempts++
		c.LockedAt = &now
		c.LockedBy = strPtr(opts.DispatcherId)
		c.NextAttemptAt = nil
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) candidate(id uint) *models.NotificationCandidate {
	for i := range s.cands {
		if s.cands[i].ID == id {
			return &s.cands[i]
		}
	}
	return nil
}

func (s *memStore) MarkCandidateSent(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.candidate(id)
	if c == nil {
		return gorm.ErrRecordNotFound
	}
	c.Status = models.CandidateStatusSent
	c.LockedAt, c.LockedBy, c.NextAttemptAt = nil, nil, nil
	return nil
}

func (s *memStore) MarkCandidateFailed(_ context.Context, id uint, msg string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.candidate(id)
	if c == nil {
		return gorm.ErrRecordNotFound
	}
	c.Status = models.CandidateStatusFailed
	c.LastError = strPtr(msg)
	c.NextAttemptAt = next
	c.LockedAt, c.LockedBy = nil, nil
	if next == nil {
		c.DedupKey = nil
	}
	return nil
}

func (s *memStore) InsertNotificationHistory(_ context.Context, rows []models.NotificationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rows...)
	return nil
}

func (s *memStore) candidatesByStatus(status string) []models.NotificationCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NotificationCandidate
	for _, c := range s.cands {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out
}

// fakeSource returns fixed records or an error.
type fakeSource struct {
	name  string
	recs  []models.UarPic
	err   error
	panic bool
	block bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, _ models.SyncSchedule) ([]models.UarPic, error) {
	if f.panic {
		panic("source exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.UarPic, len(f.recs))
	copy(out, f.recs)
	return out, nil
}

// recordingMonitor captures emitted events.
type recordingMonitor struct {
	mu     sync.Mutex
	events []MonitorEvent
}

func (m *recordingMonitor) Emit(_ context.Context, ev MonitorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

var errBoom = errors.New("boom")

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		TickSchedule:        "@every 1m",
		DailySchedule:       "55 23 * * *",
		DispatchBatchSize:   50,
		WebhookTimeout:      5 * time.Second,
		DispatchMaxAttempts: 1,
		DispatchBaseBackoff: time.Minute,
		DispatchMaxBackoff:  time.Hour,
		DispatchLockTimeout: 5 * time.Minute,
		SourceTimeout:       2 * time.Second,
		NotificationLocale:  "en",
		ReviewDueDays:       7,
		TickLockTTL:         time.Minute,
	}
}

func newTestWorkerContext(store *memStore, now time.Time) (*WorkerContext, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	wc := NewWorkerContext(store, logger, testConfig())
	wc.Clock = fixedClock{now: now}
	wc.Sources = nil
	return wc, hook
}

func testEntry(wc *WorkerContext) *logrus.Entry {
	return wc.Logger.WithField("module", "test")
}
