package uarbatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/uar_backend/models"
)

// workflowStub records posted payloads and rejects the request ids in reject.
type workflowStub struct {
	mu       sync.Mutex
	payloads []WebhookPayload
	reject   map[string]bool
	srv      *httptest.Server
}

func newWorkflowStub(reject ...string) *workflowStub {
	ws := &workflowStub{reject: map[string]bool{}}
	for _, r := range reject {
		ws.reject[r] = true
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ws.mu.Lock()
		ws.payloads = append(ws.payloads, p)
		rejected := ws.reject[p.RequestId]
		ws.mu.Unlock()
		if rejected {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"flow failed"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	return ws
}

func (ws *workflowStub) acceptAll() {
	ws.mu.Lock()
	ws.reject = map[string]bool{}
	ws.mu.Unlock()
}

func seedDirectory(store *memStore) {
	store.employees = []models.Employee{
		{Noreg: "OWN1", Name: "Owner", Email: "owner@x.com", TeamsId: "owner-teams"},
	}
	store.templates = []models.NotificationTemplate{
		{ItemCode: models.ItemCodeUarCreated, Locale: "en", Channel: models.ChannelEmail, Subject: "New UAR", BodyCode: "UAR_CREATED_BODY", IsActive: true},
		{ItemCode: models.ItemCodeUarCreated, Locale: "en", Channel: models.ChannelTeams, Subject: "New UAR", BodyCode: "UAR_CREATED_TEAMS", IsActive: true},
	}
}

func queueCreated(t *testing.T, wc *WorkerContext, n int) {
	t.Helper()
	due := time.Date(2025, 1, 22, 0, 0, 0, 0, time.Local)
	for i := 1; i <= n; i++ {
		_, err := wc.Queue.QueueNotification(context.Background(), models.NotificationCandidate{
			RequestId:  fmt.Sprintf("REQ%d", i),
			ItemCode:   models.ItemCodeUarCreated,
			ApproverId: "OWN1",
			DueDate:    &due,
		}, true)
		if err != nil {
			t.Fatalf("queue REQ%d: %v", i, err)
		}
	}
}

func TestDispatchOnce_FailureIsolatedWithinBatch(t *testing.T) {
	ws := newWorkflowStub("REQ3")
	defer ws.srv.Close()

	store := newMemStore()
	seedDirectory(store)
	wc, _ := newTestWorkerContext(store, time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local))
	wc.Config.WorkflowURL = ws.srv.URL
	mon := &recordingMonitor{}
	wc.Monitor = mon
	queueCreated(t, wc, 5)

	res, err := DispatchOnce(context.Background(), wc, testEntry(wc))
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if res.Claimed != 5 || res.Sent != 4 || res.Failed != 1 || res.Retried != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(ws.payloads) != 5 {
		t.Fatalf("posted %d payloads, want 5", len(ws.payloads))
	}

	failed := store.candidatesByStatus(models.CandidateStatusFailed)
	if len(failed) != 1 || failed[0].RequestId != "REQ3" {
		t.Fatalf("failed = %+v", failed)
	}
	if failed[0].LastError == nil || !strings.Contains(*failed[0].LastError, "500") {
		t.Fatalf("last error not recorded: %+v", failed[0].LastError)
	}
	if failed[0].NextAttemptAt != nil {
		t.Fatalf("FAILED must be terminal with max attempts 1")
	}
	if n := len(store.candidatesByStatus(models.CandidateStatusSent)); n != 4 {
		t.Fatalf("sent = %d, want 4", n)
	}
	// Two channels per delivered candidate.
	if len(store.history) != 8 {
		t.Fatalf("history rows = %d, want 8", len(store.history))
	}
	for _, h := range store.history {
		if h.RequestId == "REQ3" {
			t.Fatalf("history written for failed candidate")
		}
	}
	if len(mon.events) != 5 {
		t.Fatalf("monitor events = %d, want 5", len(mon.events))
	}

	// Terminal failures are not reclaimed.
	res, err = DispatchOnce(context.Background(), wc, testEntry(wc))
	if err != nil || res.Claimed != 0 {
		t.Fatalf("second pass = %+v, %v", res, err)
	}
}

func TestDispatchOnce_PayloadEnrichment(t *testing.T) {
	ws := newWorkflowStub()
	defer ws.srv.Close()

	store := newMemStore()
	seedDirectory(store)
	store.templates[0].CcEmail = strPtr("audit@x.com")
	wc, _ := newTestWorkerContext(store, time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local))
	wc.Config.WorkflowURL = ws.srv.URL
	queueCreated(t, wc, 3)

	if _, err := DispatchOnce(context.Background(), wc, testEntry(wc)); err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	p := ws.payloads[0]
	if p.RecipientEmail != "owner@x.com" || p.RecipientTeamsId != "owner-teams" {
		t.Fatalf("recipient = %+v", p)
	}
	if p.EmailSubject != "New UAR" || p.EmailBodyCode != "UAR_CREATED_BODY" || p.TeamsBodyCode != "UAR_CREATED_TEAMS" {
		t.Fatalf("template fields = %+v", p)
	}
	if p.CcEmail != "audit@x.com" {
		t.Fatalf("cc = %q", p.CcEmail)
	}
	if p.DueDate == nil || *p.DueDate != "2025-01-22" {
		t.Fatalf("due date = %v", p.DueDate)
	}
	if p.TaskCount != 3 {
		t.Fatalf("task count = %d, want 3", p.TaskCount)
	}
}

func TestDispatchOnce_MissingRecipientAndTemplate(t *testing.T) {
	ws := newWorkflowStub()
	defer ws.srv.Close()

	store := newMemStore()
	seedDirectory(store)
	wc, _ := newTestWorkerContext(store, time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local))
	wc.Config.WorkflowURL = ws.srv.URL
	ctx := context.Background()
	_, _ = wc.Queue.QueueNotification(ctx, models.NotificationCandidate{RequestId: "R1", ItemCode: models.ItemCodeUarCreated, ApproverId: "NOBODY"}, true)
	_, _ = wc.Queue.QueueNotification(ctx, models.NotificationCandidate{RequestId: "R2", ItemCode: "UAR_REMINDER_4", ApproverId: "OWN1"}, true)

	res, err := DispatchOnce(ctx, wc, testEntry(wc))
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if res.Failed != 2 || res.Sent != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(ws.payloads) != 0 {
		t.Fatalf("webhook called for undeliverable candidates")
	}
	errs := map[string]string{}
	for _, c := range store.candidatesByStatus(models.CandidateStatusFailed) {
		errs[c.RequestId] = *c.LastError
	}
	if !strings.Contains(errs["R1"], ErrRecipientNotFound.Error()) {
		t.Fatalf("R1 error = %q", errs["R1"])
	}
	if !strings.Contains(errs["R2"], ErrTemplateNotFound.Error()) {
		t.Fatalf("R2 error = %q", errs["R2"])
	}
}

func TestDispatchOnce_PicRecipient(t *testing.T) {
	ws := newWorkflowStub()
	defer ws.srv.Close()

	store := newMemStore()
	store.pics["PIC9"] = pic("PIC9", "Pic", "DIV", "pic@x.com")
	store.templates = []models.NotificationTemplate{
		{ItemCode: "PIC_NOTICE", Locale: "en", Channel: models.ChannelEmail, Subject: "PIC", BodyCode: "PIC_BODY", IsActive: true},
	}
	wc, _ := newTestWorkerContext(store, time.Now())
	wc.Config.WorkflowURL = ws.srv.URL
	_, _ = wc.Queue.QueueNotification(context.Background(), models.NotificationCandidate{RequestId: "R1", ItemCode: "PIC_NOTICE", ApproverId: "PIC9"}, true)

	res, err := DispatchOnce(context.Background(), wc, testEntry(wc))
	if err != nil || res.Sent != 1 {
		t.Fatalf("DispatchOnce = %+v, %v", res, err)
	}
	if ws.payloads[0].RecipientEmail != "pic@x.com" {
		t.Fatalf("recipient = %q", ws.payloads[0].RecipientEmail)
	}
}

func TestDispatchOnce_RetryWhenEnabled(t *testing.T) {
	ws := newWorkflowStub("REQ1")
	defer ws.srv.Close()

	store := newMemStore()
	seedDirectory(store)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)
	wc, _ := newTestWorkerContext(store, now)
	wc.Config.WorkflowURL = ws.srv.URL
	wc.Config.DispatchMaxAttempts = 2
	queueCreated(t, wc, 1)

	res, _ := DispatchOnce(context.Background(), wc, testEntry(wc))
	if res.Retried != 1 {
		t.Fatalf("result = %+v", res)
	}
	c := store.cands[0]
	if c.NextAttemptAt == nil || !c.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("next attempt = %v", c.NextAttemptAt)
	}

	// Not due yet.
	if res, _ := DispatchOnce(context.Background(), wc, testEntry(wc)); res.Claimed != 0 {
		t.Fatalf("claimed before backoff elapsed")
	}

	wc.Clock = fixedClock{now: now.Add(2 * time.Minute)}
	ws.acceptAll()
	res, _ = DispatchOnce(context.Background(), wc, testEntry(wc))
	if res.Sent != 1 {
		t.Fatalf("retry result = %+v", res)
	}
}

func TestDispatchOnce_ReclaimsStaleProcessing(t *testing.T) {
	ws := newWorkflowStub()
	defer ws.srv.Close()

	store := newMemStore()
	seedDirectory(store)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)
	wc, _ := newTestWorkerContext(store, now)
	wc.Config.WorkflowURL = ws.srv.URL
	queueCreated(t, wc, 1)
	stale := now.Add(-time.Hour)
	store.cands[0].Status = models.CandidateStatusProcessing
	store.cands[0].LockedAt = &stale

	res, err := DispatchOnce(context.Background(), wc, testEntry(wc))
	if err != nil || res.Sent != 1 {
		t.Fatalf("DispatchOnce = %+v, %v", res, err)
	}
}

func TestDispatchBackoff(t *testing.T) {
	base, max := time.Minute, 10*time.Minute
	cases := map[int]time.Duration{0: time.Minute, 1: time.Minute, 2: 2 * time.Minute, 3: 4 * time.Minute, 5: 10 * time.Minute, 60: 10 * time.Minute}
	for attempt, want := range cases {
		if got := dispatchBackoff(attempt, base, max); got != want {
			t.Fatalf("dispatchBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestWorkflowClient_MissingURL(t *testing.T) {
	_, err := NewWorkflowClient(time.Second).Post(context.Background(), "", WebhookPayload{})
	if !errors.Is(err, ErrWorkflowURLMissing) {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchOnce_StaleRowOverAttemptLimitGoesTerminal(t *testing.T) {
	ws := newWorkflowStub()
	defer ws.srv.Close()

	store := newMemStore()
	seedDirectory(store)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)
	wc, _ := newTestWorkerContext(store, now)
	wc.Config.WorkflowURL = ws.srv.URL
	queueCreated(t, wc, 1)
	stale := now.Add(-time.Hour)
	store.cands[0].Status = models.CandidateStatusProcessing
	store.cands[0].Attempts = 9
	store.cands[0].LockedAt = &stale

	res, err := DispatchOnce(context.Background(), wc, testEntry(wc))
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if res.Claimed != 0 || len(ws.payloads) != 0 {
		t.Fatalf("over-limit row was dispatched again: %+v, %d posts", res, len(ws.payloads))
	}
	c := store.cands[0]
	if c.Status != models.CandidateStatusFailed || c.NextAttemptAt != nil || c.Attempts != 9 {
		t.Fatalf("candidate = %+v", c)
	}
	if c.DedupKey != nil {
		t.Fatalf("terminal row still holds its dedup key")
	}

	// Terminal rows free the pair for a fresh enqueue.
	queued, err := wc.Queue.QueueNotification(context.Background(), models.NotificationCandidate{
		RequestId: c.RequestId, ItemCode: c.ItemCode, ApproverId: "OWN1",
	}, true)
	if err != nil || !queued {
		t.Fatalf("requeue after terminal failure = (%v,%v)", queued, err)
	}
}

func TestDispatchOnce_RecentClaimNotStolen(t *testing.T) {
	store := newMemStore()
	seedDirectory(store)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)
	wc, _ := newTestWorkerContext(store, now)
	wc.Config.DispatchLockTimeout = time.Minute
	queueCreated(t, wc, 1)
	// Four minutes into a batch of fifty five-second webhooks the claim is still live.
	locked := now.Add(-4 * time.Minute)
	store.cands[0].Status = models.CandidateStatusProcessing
	store.cands[0].LockedAt = &locked

	res, err := DispatchOnce(context.Background(), wc, testEntry(wc))
	if err != nil || res.Claimed != 0 {
		t.Fatalf("in-flight row reclaimed: %+v, %v", res, err)
	}
}
