package uarbatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/mmdatafocus/uar_backend/appctx"
	"github.com/mmdatafocus/uar_backend/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mmdatafocus/uar_backend/uarbatch")

// WorkerContext bundles what every worker needs. It is built once at startup
// and passed to each run; workers keep no package-level state.
type WorkerContext struct {
	Store   Store
	Logger  *logrus.Logger
	Clock   Clock
	Config  config.PipelineConfig
	Queue   *Queue
	Staging *Staging
	Sources []Source
	Webhook WorkflowPoster
	Monitor Monitor

	// InstanceId identifies this process in candidate locks.
	InstanceId string
}

// NewWorkerContext fills in the queue, staging area and defaults around store.
func NewWorkerContext(store Store, logger *logrus.Logger, cfg config.PipelineConfig) *WorkerContext {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &WorkerContext{
		Store:      store,
		Logger:     logger,
		Clock:      SystemClock{},
		Config:     cfg,
		Queue:      NewQueue(store, logger),
		Staging:    NewStaging(),
		Sources:    NewHTTPSources(cfg),
		Webhook:    NewWorkflowClient(cfg.WebhookTimeout),
		Monitor:    NopMonitor{},
		InstanceId: uuid.NewString(),
	}
}

// beginTick tags ctx with a fresh correlation id and opens the job span.
func beginTick(ctx context.Context, wc *WorkerContext, job string) (context.Context, *logrus.Entry, trace.Span) {
	cid := uuid.NewString()
	ctx = appctx.SetCorrelationId(ctx, cid)
	ctx = appctx.SetJobName(ctx, job)
	ctx, span := tracer.Start(ctx, "uarbatch."+job, trace.WithAttributes(
		attribute.String("uar.job", job),
		attribute.String("correlation_id", cid),
	))

	entry := wc.Logger.WithFields(logrus.Fields{
		"module":         "uarbatch",
		"job":            job,
		"correlation_id": cid,
	})
	if sc := span.SpanContext(); sc.HasTraceID() {
		entry = entry.WithField("trace_id", sc.TraceID().String())
	}
	return ctx, entry, span
}

func (wc *WorkerContext) monitor() Monitor {
	if wc.Monitor == nil {
		return NopMonitor{}
	}
	return wc.Monitor
}
