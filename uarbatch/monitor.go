package uarbatch

import (
	"context"
	"time"

	"github.com/mmdatafocus/uar_backend/appctx"
	"github.com/mmdatafocus/uar_backend/config"
	"github.com/sirupsen/logrus"
)

const (
	MonitorKindTick     = "tick"
	MonitorKindDispatch = "dispatch"
)

// MonitorEvent is a best-effort operational signal.
type MonitorEvent struct {
	Kind          string         `json:"kind"`
	Job           string         `json:"job"`
	CandidateId   uint           `json:"candidate_id,omitempty"`
	RequestId     string         `json:"request_id,omitempty"`
	ItemCode      string         `json:"item_code,omitempty"`
	Status        string         `json:"status,omitempty"`
	Error         string         `json:"error,omitempty"`
	Counts        map[string]int `json:"counts,omitempty"`
	CorrelationId string         `json:"correlation_id,omitempty"`
	At            time.Time      `json:"at"`
}

// Monitor receives events. Emit must return immediately and never fail the caller.
type Monitor interface {
	Emit(ctx context.Context, ev MonitorEvent)
}

type NopMonitor struct{}

func (NopMonitor) Emit(context.Context, MonitorEvent) {}

// PublishFunc publishes obj to a topic; config.PublishJSON in production.
type PublishFunc func(ctx context.Context, topic string, obj any, attrs map[string]string) (string, error)

// PubSubMonitor publishes events to a Pub/Sub topic from a detached goroutine.
type PubSubMonitor struct {
	topic   string
	publish PublishFunc
	logger  *logrus.Logger
	timeout time.Duration
}

func NewPubSubMonitor(topic string, logger *logrus.Logger) *PubSubMonitor {
	return &PubSubMonitor{
		topic:   topic,
		publish: config.PublishJSON,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

func (m *PubSubMonitor) Emit(ctx context.Context, ev MonitorEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.CorrelationId == "" {
		ev.CorrelationId, _ = appctx.GetCorrelationId(ctx)
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.WithFields(logrus.Fields{"module": "monitor", "job": ev.Job}).Warnf("monitor publish panicked: %v", r)
			}
		}()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		if _, err := m.publish(pctx, m.topic, ev, map[string]string{"kind": ev.Kind, "job": ev.Job}); err != nil {
			m.logger.WithFields(logrus.Fields{
				"module":         "monitor",
				"job":            ev.Job,
				"correlation_id": ev.CorrelationId,
			}).Warn("monitor publish failed: " + err.Error())
		}
	}()
}
