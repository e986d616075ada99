package uarbatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/uar_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var picValidator = newPicValidator()

func newPicValidator() *validator.Validate {
	v := validator.New()
	// Report json names (picName) rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// SourceFailure is a fetch that failed for one source.
type SourceFailure struct {
	Index int
	Name  string
	Err   error
}

// SyncResult summarizes the create-only sync of one schedule.
type SyncResult struct {
	ScheduleId     uint
	Fetched        int
	AlreadyPresent int
	Invalid        int
	Inserted       int
	SourceFailures []SourceFailure
}

// RunSync syncs the PIC directories for every schedule whose window covers
// today. A failing schedule is logged and the remaining ones still run.
func RunSync(ctx context.Context, wc *WorkerContext) error {
	ctx, log, span := beginTick(ctx, wc, JobSync)
	defer span.End()

	schedules, err := wc.Store.ListEligibleSyncSchedules(ctx, wc.Clock.Now())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list eligible sync schedules: %w", err)
	}

	failed := 0
	inserted := 0
	for i, sch := range schedules {
		if i > 0 {
			if err := sleepCtx(ctx, wc.Config.SyncScheduleDelay); err != nil {
				return err
			}
		}
		schLog := log.WithField("schedule_id", sch.ID)
		res, err := SyncSchedule(ctx, wc, schLog, sch)
		if err != nil {
			failed++
			schLog.Error("sync failed: " + err.Error())
			continue
		}
		inserted += res.Inserted
	}

	log.WithFields(logrus.Fields{
		"schedules": len(schedules),
		"inserted":  inserted,
		"failed":    failed,
	}).Info("sync run finished")
	wc.monitor().Emit(ctx, MonitorEvent{
		Kind: MonitorKindTick,
		Job:  JobSync,
		Counts: map[string]int{
			"schedules": len(schedules),
			"inserted":  inserted,
			"failed":    failed,
		},
	})
	return nil
}

// SyncSchedule fetches every source concurrently and merges what arrived.
func SyncSchedule(ctx context.Context, wc *WorkerContext, log *logrus.Entry, sch models.SyncSchedule) (SyncResult, error) {
	records, failures := FetchAllSources(ctx, wc, sch)
	for _, f := range failures {
		log.WithFields(logrus.Fields{
			"source_index": f.Index,
			"source":       f.Name,
		}).Error("source fetch failed: " + f.Err.Error())
	}

	res, err := CreateOnlySync(ctx, wc, log, records)
	res.ScheduleId = sch.ID
	res.SourceFailures = failures
	if err != nil {
		return res, err
	}
	log.WithFields(logrus.Fields{
		"fetched":         res.Fetched,
		"already_present": res.AlreadyPresent,
		"invalid":         res.Invalid,
		"inserted":        res.Inserted,
		"source_failures": len(failures),
	}).Info("schedule synced")
	return res, nil
}

// FetchAllSources runs every source at once and waits for all of them. A
// failed source never cancels the others; its error is returned alongside the
// concatenated records of the sources that succeeded, in source order.
func FetchAllSources(ctx context.Context, wc *WorkerContext, sch models.SyncSchedule) ([]models.UarPic, []SourceFailure) {
	results := make([][]models.UarPic, len(wc.Sources))
	errs := make([]error, len(wc.Sources))

	var g errgroup.Group
	for i, src := range wc.Sources {
		i, src := i, src
		g.Go(func() error {
			recs, err := fetchOne(ctx, src, sch, wc.Config.SourceTimeout)
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range recs {
				recs[j].Source = src.Name()
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var all []models.UarPic
	var failures []SourceFailure
	for i, src := range wc.Sources {
		if errs[i] != nil {
			failures = append(failures, SourceFailure{Index: i, Name: src.Name(), Err: errs[i]})
			continue
		}
		all = append(all, results[i]...)
	}
	return all, failures
}

func fetchOne(ctx context.Context, src Source, sch models.SyncSchedule, timeout time.Duration) (recs []models.UarPic, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()
	fctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return src.Fetch(fctx, sch)
}

// CreateOnlySync appends records whose id is not yet stored and whose required
// fields are all present. Existing rows are never touched.
func CreateOnlySync(ctx context.Context, wc *WorkerContext, log *logrus.Entry, records []models.UarPic) (SyncResult, error) {
	res := SyncResult{Fetched: len(records)}
	wc.Staging.Reset()

	ids, err := wc.Store.ListPicIds(ctx)
	if err != nil {
		return res, fmt.Errorf("list existing pic ids: %w", err)
	}
	existing := make(map[string]bool, len(ids))
	for _, id := range ids {
		existing[id] = true
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID != "" && (existing[rec.ID] || seen[rec.ID]) {
			res.AlreadyPresent++
			continue
		}
		if field, ok := missingRequiredField(rec); !ok {
			res.Invalid++
			log.WithFields(logrus.Fields{
				"pic_id":        rec.ID,
				"missing_field": field,
				"source":        rec.Source,
			}).Warn("dropping pic record with missing required field")
			continue
		}
		seen[rec.ID] = true
		wc.Staging.Add(rec)
	}

	staged := wc.Staging.Records()
	if len(staged) == 0 {
		return res, nil
	}
	n, err := wc.Store.InsertPics(ctx, staged)
	if err != nil {
		return res, fmt.Errorf("insert pics: %w", err)
	}
	res.Inserted = int(n)
	return res, nil
}

// missingRequiredField returns the first required field that is null.
func missingRequiredField(rec models.UarPic) (string, bool) {
	err := picValidator.Struct(rec)
	if err == nil {
		return "", true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field(), false
	}
	return err.Error(), false
}
