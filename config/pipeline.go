package config

import (
	"fmt"
	"time"
)

// SourceCount is the number of upstream PIC directories the sync worker reads.
const SourceCount = 5

// PipelineConfig holds the UAR batch settings. Every field has a working default
// except WorkflowURL and the source URLs.
type PipelineConfig struct {
	TickSchedule  string
	DailySchedule string

	DispatchBatchSize   int
	WorkflowURL         string
	WebhookTimeout      time.Duration
	DispatchMaxAttempts int
	DispatchBaseBackoff time.Duration
	DispatchMaxBackoff  time.Duration
	DispatchLockTimeout time.Duration

	SourceURLs          [SourceCount]string
	SourceTimeout       time.Duration
	SyncScheduleDelay   time.Duration
	NotificationLocale  string
	ReviewDueDays       int
	TickLockTTL         time.Duration
	MonitorTopic        string
	NotificationCcEmail string
}

func LoadPipelineConfig() PipelineConfig {
	cfg := PipelineConfig{
		TickSchedule:        StringFromEnv("UAR_TICK_SCHEDULE", "@every 1m"),
		DailySchedule:       StringFromEnv("UAR_DAILY_SCHEDULE", "55 23 * * *"),
		DispatchBatchSize:   IntFromEnv("UAR_DISPATCH_BATCH_SIZE", 50),
		WorkflowURL:         StringFromEnv("UAR_WORKFLOW_URL", ""),
		WebhookTimeout:      SecondsFromEnv("UAR_WEBHOOK_TIMEOUT_SECONDS", 30*time.Second),
		DispatchMaxAttempts: IntFromEnv("UAR_DISPATCH_MAX_ATTEMPTS", 1),
		DispatchBaseBackoff: SecondsFromEnv("UAR_DISPATCH_BASE_BACKOFF_SECONDS", time.Minute),
		DispatchMaxBackoff:  SecondsFromEnv("UAR_DISPATCH_MAX_BACKOFF_SECONDS", time.Hour),
		DispatchLockTimeout: SecondsFromEnv("UAR_DISPATCH_LOCK_TIMEOUT_SECONDS", 5*time.Minute),
		SourceTimeout:       SecondsFromEnv("UAR_SOURCE_TIMEOUT_SECONDS", time.Minute),
		SyncScheduleDelay:   time.Duration(IntFromEnv("UAR_SYNC_SCHEDULE_DELAY_MS", 1000)) * time.Millisecond,
		NotificationLocale:  StringFromEnv("UAR_NOTIFICATION_LOCALE", "en"),
		ReviewDueDays:       IntFromEnv("UAR_REVIEW_DUE_DAYS", 7),
		TickLockTTL:         SecondsFromEnv("UAR_TICK_LOCK_TTL_SECONDS", 10*time.Minute),
		MonitorTopic:        StringFromEnv("UAR_MONITOR_TOPIC", ""),
		NotificationCcEmail: StringFromEnv("UAR_NOTIFICATION_CC", ""),
	}
	for i := range cfg.SourceURLs {
		cfg.SourceURLs[i] = StringFromEnv(fmt.Sprintf("UAR_SOURCE_%d_URL", i+1), "")
	}
	if cfg.DispatchBatchSize <= 0 {
		cfg.DispatchBatchSize = 50
	}
	if cfg.DispatchMaxAttempts <= 0 {
		cfg.DispatchMaxAttempts = 1
	}
	if cfg.SyncScheduleDelay < 0 {
		cfg.SyncScheduleDelay = 0
	}
	cfg.DispatchLockTimeout = cfg.EffectiveDispatchLockTimeout()
	return cfg
}

// EffectiveDispatchLockTimeout is how long a claimed candidate stays locked
// before another dispatcher may reclaim it. It never drops below the time a
// full batch can take when every webhook call runs to its timeout, plus a
// minute of slack.
func (c PipelineConfig) EffectiveDispatchLockTimeout() time.Duration {
	lock := c.DispatchLockTimeout
	if lock <= 0 {
		lock = 5 * time.Minute
	}
	batch := c.DispatchBatchSize
	if batch <= 0 {
		batch = 50
	}
	webhook := c.WebhookTimeout
	if webhook <= 0 {
		webhook = 30 * time.Second
	}
	if floor := time.Duration(batch)*webhook + time.Minute; lock < floor {
		lock = floor
	}
	return lock
}
