package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the gorm-backed store used by the UAR batch workers.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

// IsDuplicateKeyErr reports a MySQL unique key violation (1062).
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// CandidateDedupKey is the unique key a deduplicated candidate carries while it
// is queued, in flight, sent or waiting for a retry.
func CandidateDedupKey(requestId, itemCode string) string {
	return requestId + "#" + itemCode
}

// TaskRequestId is the notification request id of one review task.
func TaskRequestId(uarId, username, roleId string) string {
	return uarId + "|" + username + "|" + roleId
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

/* schedules */

func (r *Repository) ListEligibleApplications(ctx context.Context, today time.Time) ([]EligibleApplication, error) {
	var rows []UarSchedule
	if err := r.conn(ctx).
		Where("is_active = ? AND review_date = ?", true, startOfDay(today).Format("2006-01-02")).
		Order("application_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rows))
	apps := make([]EligibleApplication, 0, len(rows))
	for _, row := range rows {
		if seen[row.ApplicationId] {
			continue
		}
		seen[row.ApplicationId] = true
		apps = append(apps, EligibleApplication{ApplicationId: row.ApplicationId, DivisionId: row.DivisionId})
	}
	return apps, nil
}

func (r *Repository) ListEligibleSyncSchedules(ctx context.Context, today time.Time) ([]SyncSchedule, error) {
	var rows []SyncSchedule
	if err := r.conn(ctx).Where("is_active = ?", true).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	eligible := rows[:0]
	for _, row := range rows {
		if row.ActiveOn(today) {
			eligible = append(eligible, row)
		}
	}
	return eligible, nil
}

func (r *Repository) FindSystemOwner(ctx context.Context, applicationId string) (string, error) {
	var owner ApplicationOwner
	err := r.conn(ctx).Where("application_id = ?", applicationId).Take(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner.OwnerNoreg, nil
}

/* access mappings + review tasks */

func (r *Repository) ListPendingAccessMappings(ctx context.Context, applicationId string) ([]AccessMapping, error) {
	var rows []AccessMapping
	err := r.conn(ctx).
		Where("application_id = ? AND process_status = ?", applicationId, ProcessStatusPending).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// MarkMappingsConsumed flips the given pending mappings of an application to CONSUMED.
func (r *Repository) MarkMappingsConsumed(ctx context.Context, applicationId string, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.conn(ctx).Model(&AccessMapping{}).
		Where("application_id = ? AND process_status = ? AND id IN ?", applicationId, ProcessStatusPending, ids).
		Update("process_status", ProcessStatusConsumed)
	return res.RowsAffected, res.Error
}

// InsertReviewTasks bulk inserts tasks; rows that already exist for the task key are skipped.
func (r *Repository) InsertReviewTasks(ctx context.Context, tasks []ReviewTask) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	res := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&tasks, 200)
	return res.RowsAffected, res.Error
}

// CreateTasksAndConsume inserts tasks and, if any row was written, flips the
// source mappings in the same transaction.
func (r *Repository) CreateTasksAndConsume(ctx context.Context, applicationId string, tasks []ReviewTask, mappingIds []uint) (inserted int64, consumed int64, err error) {
	err = r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &Repository{db: tx}
		n, err := txRepo.InsertReviewTasks(ctx, tasks)
		if err != nil {
			return err
		}
		inserted = n
		if n == 0 {
			return nil
		}
		consumed, err = txRepo.MarkMappingsConsumed(ctx, applicationId, mappingIds)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, consumed, nil
}

func (r *Repository) ListPendingReminderRows(ctx context.Context, today time.Time) ([]ReminderRow, error) {
	day := startOfDay(today)
	from := day.AddDate(0, 0, -MaxReminderDay)
	var rows []ReminderRow
	err := r.conn(ctx).Raw(`
		SELECT t.uar_id, t.application_id, t.username, t.role_id, t.reviewer_noreg, t.created_at,
			(
				SELECT MAX(h.item_code) FROM notification_histories h
				WHERE h.request_id = CONCAT(t.uar_id, '|', t.username, '|', t.role_id)
				AND h.item_code LIKE ?
			) AS last_reminder_code
		FROM review_tasks t
		WHERE t.so_approval_status = ? AND t.created_at >= ? AND t.created_at < ?
		ORDER BY t.id ASC
	`, reminderCodePrefix+"%", SoApprovalPending, from, day).Scan(&rows).Error
	return rows, err
}

/* directories */

func (r *Repository) FindEmployeesByNoreg(ctx context.Context, noregs []string, asOf time.Time) ([]Employee, error) {
	if len(noregs) == 0 {
		return nil, nil
	}
	var rows []Employee
	if err := r.conn(ctx).
		Where("noreg IN ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to >= ?)", noregs, asOf, asOf).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	latest := LatestValidByNoreg(rows)
	out := make([]Employee, 0, len(latest))
	for _, noreg := range noregs {
		if e, ok := latest[noreg]; ok {
			out = append(out, e)
			delete(latest, noreg)
		}
	}
	return out, nil
}

func (r *Repository) FindPic(ctx context.Context, id string) (*UarPic, error) {
	var pic UarPic
	err := r.conn(ctx).Where("id = ?", id).Take(&pic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pic, nil
}

func (r *Repository) ListPicIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.conn(ctx).Model(&UarPic{}).Pluck("id", &ids).Error
	return ids, err
}

func (r *Repository) InsertPics(ctx context.Context, pics []UarPic) (int64, error) {
	if len(pics) == 0 {
		return 0, nil
	}
	res := r.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&pics, 200)
	return res.RowsAffected, res.Error
}

func (r *Repository) ResolveTemplate(ctx context.Context, itemCode, locale, channel string) (*NotificationTemplate, error) {
	var tpl NotificationTemplate
	err := r.conn(ctx).
		Where("item_code = ? AND locale = ? AND channel = ? AND is_active = ?", itemCode, locale, channel, true).
		Take(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

/* notification queue */

func (r *Repository) FindNotificationHistory(ctx context.Context, requestId, itemCode string) (*NotificationHistory, error) {
	var row NotificationHistory
	err := r.conn(ctx).Where("request_id = ? AND item_code = ?", requestId, itemCode).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindOpenCandidate returns a candidate for the pair that is queued, in flight,
// sent, or failed but still scheduled for retry.
func (r *Repository) FindOpenCandidate(ctx context.Context, requestId, itemCode string) (*NotificationCandidate, error) {
	var row NotificationCandidate
	err := r.conn(ctx).
		Where("request_id = ? AND item_code = ?", requestId, itemCode).
		Where("status <> ? OR next_attempt_at IS NOT NULL", CandidateStatusFailed).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repository) InsertNotificationCandidate(ctx context.Context, candidate *NotificationCandidate) error {
	if candidate.Status == "" {
		candidate.Status = CandidateStatusPending
	}
	return r.conn(ctx).Create(candidate).Error
}

// ClaimOptions controls one ClaimPendingCandidates call.
type ClaimOptions struct {
	BatchSize    int
	Now          time.Time
	StaleBefore  time.Time
	MaxAttempts  int
	DispatcherId string
}

// ClaimPendingCandidates moves up to BatchSize rows to PROCESSING and returns them.
// Eligible rows:
// - PENDING
// - FAILED with a due next_attempt_at and attempts below MaxAttempts
// - PROCESSING whose lock is older than StaleBefore (dispatcher died mid-batch)
// A stale row that already used MaxAttempts is not returned; it goes terminal FAILED.
func (r *Repository) ClaimPendingCandidates(ctx context.Context, opts ClaimOptions) ([]NotificationCandidate, error) {
	var claimed []NotificationCandidate
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []NotificationCandidate
		q := tx.
			Where(`
				(status = ?)
				OR
				(status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ? AND attempts < ?)
				OR
				(status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			`, CandidateStatusPending,
				CandidateStatusFailed, opts.Now, opts.MaxAttempts,
				CandidateStatusProcessing, opts.StaleBefore).
			Order("id ASC").
			Limit(opts.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		lockedBy := opts.DispatcherId
		ids := make([]uint, 0, len(rows))
		for i := range rows {
			if opts.MaxAttempts > 0 && rows[i].Attempts >= opts.MaxAttempts {
				msg := fmt.Sprintf("max dispatch attempts exceeded (%d)", opts.MaxAttempts)
				if err := tx.Model(&NotificationCandidate{}).Where("id = ?", rows[i].ID).Updates(map[string]interface{}{
					"status":          CandidateStatusFailed,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
					"dedup_key":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			rows[i].Status = CandidateStatusProcessing
			rows[i].LockedAt = &opts.Now
			rows[i].LockedBy = &lockedBy
			rows[i].Attempts++
			rows[i].NextAttemptAt = nil
			ids = append(ids, rows[i].ID)
			claimed = append(claimed, rows[i])
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&NotificationCandidate{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":          CandidateStatusProcessing,
			"locked_at":       opts.Now,
			"locked_by":       &lockedBy,
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Repository) MarkCandidateSent(ctx context.Context, id uint) error {
	return r.conn(ctx).Model(&NotificationCandidate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          CandidateStatusSent,
			"last_error":      nil,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}

// MarkCandidateFailed records the failure; a nil nextAttemptAt makes it terminal
// and releases the dedup key so the pair can be queued again.
func (r *Repository) MarkCandidateFailed(ctx context.Context, id uint, errMsg string, nextAttemptAt *time.Time) error {
	updates := map[string]interface{}{
		"status":          CandidateStatusFailed,
		"last_error":      &errMsg,
		"next_attempt_at": nextAttemptAt,
		"locked_at":       nil,
		"locked_by":       nil,
	}
	if nextAttemptAt == nil {
		updates["dedup_key"] = nil
	}
	return r.conn(ctx).Model(&NotificationCandidate{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repository) InsertNotificationHistory(ctx context.Context, rows []NotificationHistory) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn(ctx).Create(&rows).Error
}

func (r *Repository) ListFailedCandidates(ctx context.Context, limit int) ([]NotificationCandidate, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []NotificationCandidate
	err := r.conn(ctx).
		Where("status = ?", CandidateStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// RequeueCandidate resets a FAILED candidate to PENDING with a fresh attempt budget.
func (r *Repository) RequeueCandidate(ctx context.Context, id uint) (bool, error) {
	res := r.conn(ctx).Model(&NotificationCandidate{}).
		Where("id = ? AND status = ?", id, CandidateStatusFailed).
		Updates(map[string]interface{}{
			"status":          CandidateStatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"last_error":      nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// NormalizeNoregs trims and deduplicates, keeping first-seen order.
func NormalizeNoregs(noregs []string) []string {
	seen := make(map[string]bool, len(noregs))
	out := make([]string, 0, len(noregs))
	for _, n := range noregs {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
