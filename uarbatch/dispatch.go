package uarbatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mmdatafocus/uar_backend/config"
	"github.com/mmdatafocus/uar_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// DispatchResult summarizes one dispatch tick.
type DispatchResult struct {
	Claimed int
	Sent    int
	Failed  int
	Retried int
}

// RunDispatch claims a batch of queued candidates and delivers them one by one.
// A failing candidate is marked FAILED and the batch moves on.
func RunDispatch(ctx context.Context, wc *WorkerContext) error {
	ctx, log, span := beginTick(ctx, wc, JobDispatch)
	defer span.End()

	res, err := DispatchOnce(ctx, wc, log)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(
		attribute.Int("uar.claimed", res.Claimed),
		attribute.Int("uar.sent", res.Sent),
		attribute.Int("uar.failed", res.Failed),
	)
	if res.Claimed > 0 {
		log.WithFields(logrus.Fields{
			"claimed": res.Claimed,
			"sent":    res.Sent,
			"failed":  res.Failed,
			"retried": res.Retried,
		}).Info("dispatch run finished")
	}
	return nil
}

// DispatchOnce is one claim-and-deliver pass.
func DispatchOnce(ctx context.Context, wc *WorkerContext, log *logrus.Entry) (DispatchResult, error) {
	var res DispatchResult
	now := wc.Clock.Now()
	lockTimeout := wc.Config.EffectiveDispatchLockTimeout()
	claimed, err := wc.Store.ClaimPendingCandidates(ctx, models.ClaimOptions{
		BatchSize:    batchSize(wc.Config.DispatchBatchSize),
		Now:          now,
		StaleBefore:  now.Add(-lockTimeout),
		MaxAttempts:  maxAttempts(wc.Config.DispatchMaxAttempts),
		DispatcherId: wc.InstanceId,
	})
	if err != nil {
		return res, fmt.Errorf("claim pending candidates: %w", err)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	counts := taskCounts(claimed)
	for _, c := range claimed {
		cLog := log.WithFields(logrus.Fields{
			"candidate_id": c.ID,
			"request_id":   c.RequestId,
			"item_code":    c.ItemCode,
			"attempt":      c.Attempts,
		})
		history, err := deliverCandidate(ctx, wc, c, counts[taskCountKey(c)])
		if err != nil {
			next := nextAttemptAt(wc, c.Attempts)
			if next != nil {
				res.Retried++
			}
			res.Failed++
			markFailed(ctx, wc, cLog, c, err, next)
			continue
		}

		if err := wc.Store.InsertNotificationHistory(ctx, history); err != nil {
			cLog.Error("notification delivered but history insert failed: " + err.Error())
		}
		if err := wc.Store.MarkCandidateSent(ctx, c.ID); err != nil {
			cLog.Error("notification delivered but status update failed: " + err.Error())
		}
		res.Sent++
		wc.monitor().Emit(ctx, MonitorEvent{
			Kind:        MonitorKindDispatch,
			Job:         JobDispatch,
			CandidateId: c.ID,
			RequestId:   c.RequestId,
			ItemCode:    c.ItemCode,
			Status:      models.CandidateStatusSent,
		})
	}
	return res, nil
}

// deliverCandidate enriches and posts one candidate. It returns the history
// rows to record on success.
func deliverCandidate(ctx context.Context, wc *WorkerContext, c models.NotificationCandidate, taskCount int) (history []models.NotificationHistory, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()

	now := wc.Clock.Now()
	rcpt, err := resolveRecipient(ctx, wc.Store, c.ItemCode, c.ApproverId, now)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	if rcpt == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, c.ApproverId)
	}

	locale := wc.Config.NotificationLocale
	emailTpl, err := wc.Store.ResolveTemplate(ctx, c.ItemCode, locale, models.ChannelEmail)
	if err != nil {
		return nil, fmt.Errorf("resolve email template: %w", err)
	}
	teamsTpl, err := wc.Store.ResolveTemplate(ctx, c.ItemCode, locale, models.ChannelTeams)
	if err != nil {
		return nil, fmt.Errorf("resolve teams template: %w", err)
	}
	if emailTpl == nil && teamsTpl == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, c.ItemCode, locale)
	}

	payload := buildPayload(c, *rcpt, emailTpl, teamsTpl, wc.Config.NotificationCcEmail, taskCount)
	resp, err := wc.Webhook.Post(ctx, wc.Config.WorkflowURL, payload)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrWebhookRejected, resp.Status, truncate(resp.Body, 500))
	}

	sentAt := wc.Clock.Now()
	if emailTpl != nil && rcpt.Email != "" {
		history = append(history, models.NotificationHistory{
			RequestId: c.RequestId,
			ItemCode:  c.ItemCode,
			Channel:   models.ChannelEmail,
			Recipient: rcpt.Email,
			Status:    models.CandidateStatusSent,
			SentAt:    sentAt,
		})
	}
	if teamsTpl != nil && rcpt.TeamsId != "" {
		history = append(history, models.NotificationHistory{
			RequestId: c.RequestId,
			ItemCode:  c.ItemCode,
			Channel:   models.ChannelTeams,
			Recipient: rcpt.TeamsId,
			Status:    models.CandidateStatusSent,
			SentAt:    sentAt,
		})
	}
	if len(history) == 0 {
		// Templates and contact details did not overlap; still record the delivery.
		history = append(history, models.NotificationHistory{
			RequestId: c.RequestId,
			ItemCode:  c.ItemCode,
			Channel:   firstChannel(emailTpl, teamsTpl),
			Recipient: firstNonEmpty(rcpt.Email, rcpt.TeamsId),
			Status:    models.CandidateStatusSent,
			SentAt:    sentAt,
		})
	}
	return history, nil
}

func buildPayload(c models.NotificationCandidate, rcpt models.Recipient, emailTpl, teamsTpl *models.NotificationTemplate, defaultCc string, taskCount int) WebhookPayload {
	p := WebhookPayload{
		RecipientEmail:   rcpt.Email,
		RecipientTeamsId: rcpt.TeamsId,
		CcEmail:          defaultCc,
		ItemCode:         c.ItemCode,
		RequestId:        c.RequestId,
		TaskCount:        taskCount,
	}
	if c.DueDate != nil {
		d := c.DueDate.Format("2006-01-02")
		p.DueDate = &d
	}
	if emailTpl != nil {
		p.EmailSubject = emailTpl.Subject
		p.EmailBodyCode = emailTpl.BodyCode
		if emailTpl.CcEmail != nil && *emailTpl.CcEmail != "" {
			p.CcEmail = *emailTpl.CcEmail
		}
	}
	if teamsTpl != nil {
		p.TeamsSubject = teamsTpl.Subject
		p.TeamsBodyCode = teamsTpl.BodyCode
	}
	return p
}

func markFailed(ctx context.Context, wc *WorkerContext, log *logrus.Entry, c models.NotificationCandidate, cause error, next *time.Time) {
	msg := cause.Error()
	if err := wc.Store.MarkCandidateFailed(ctx, c.ID, msg, next); err != nil {
		config.LogError(wc.Logger, "dispatch", "markFailed", "mark candidate failed", c.ID, err)
	}
	fields := logrus.Fields{}
	if next != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339)
	}
	log.WithFields(fields).Error("notification dispatch failed: " + msg)
	wc.monitor().Emit(ctx, MonitorEvent{
		Kind:        MonitorKindDispatch,
		Job:         JobDispatch,
		CandidateId: c.ID,
		RequestId:   c.RequestId,
		ItemCode:    c.ItemCode,
		Status:      models.CandidateStatusFailed,
		Error:       msg,
	})
}

// nextAttemptAt schedules a retry while attempts remain: base * 2^(attempt-1),
// capped at the max backoff. nil means FAILED is terminal.
func nextAttemptAt(wc *WorkerContext, attempt int) *time.Time {
	limit := maxAttempts(wc.Config.DispatchMaxAttempts)
	if attempt >= limit {
		return nil
	}
	t := wc.Clock.Now().Add(dispatchBackoff(attempt, wc.Config.DispatchBaseBackoff, wc.Config.DispatchMaxBackoff))
	return &t
}

func dispatchBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = time.Hour
	}
	if attempt <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func taskCountKey(c models.NotificationCandidate) string {
	return c.ApproverId + "|" + c.ItemCode
}

// taskCounts counts candidates per (approver, item code) within the batch.
func taskCounts(batch []models.NotificationCandidate) map[string]int {
	counts := make(map[string]int, len(batch))
	for _, c := range batch {
		counts[taskCountKey(c)]++
	}
	return counts
}

func batchSize(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}

func maxAttempts(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func firstChannel(emailTpl, teamsTpl *models.NotificationTemplate) string {
	if emailTpl != nil {
		return models.ChannelEmail
	}
	if teamsTpl != nil {
		return models.ChannelTeams
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
