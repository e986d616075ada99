package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/uar_backend/appctx"
	"github.com/mmdatafocus/uar_backend/config"
	"github.com/mmdatafocus/uar_backend/models"
	"github.com/mmdatafocus/uar_backend/uarbatch"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// pipeline is set once the database is reachable; ops routes return 503 until then.
type pipeline struct {
	sched *uarbatch.Scheduler
	wc    *uarbatch.WorkerContext
	repo  *models.Repository
}

var ready atomic.Pointer[pipeline]

func main() {
	port := os.Getenv("UAR_BATCH_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	cfg := config.LoadPipelineConfig()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(func(c *gin.Context) {
		if ready.Load() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if allowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "x-ops-token", "x-correlation-id")
	r.Use(cors.New(corsConfig))
	r.Use(customRequestLogger(logger))
	r.Use(gin.Recovery())

	ops := r.Group("/api/uar", uarbatch.OpsTokenMiddleware(os.Getenv("UAR_OPS_TOKEN")))
	ops.POST("/jobs/:name/run", func(c *gin.Context) { uarbatch.RunJobHandler(ready.Load().sched)(c) })
	ops.POST("/notifications/completion", func(c *gin.Context) { uarbatch.CompletionHandler(ready.Load().wc.Queue)(c) })
	ops.GET("/notifications/failed", func(c *gin.Context) { uarbatch.FailedNotificationsHandler(ready.Load().repo)(c) })
	ops.POST("/notifications/:id/requeue", func(c *gin.Context) { uarbatch.RequeueHandler(ready.Load().repo)(c) })

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	var guard uarbatch.TickGuard = uarbatch.NewLocalTickGuard()
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry(sigCtx)
		if locker := config.GetRedisLock(); locker != nil {
			guard = uarbatch.NewRedisTickGuard(locker)
		}
	}

	repo := models.NewRepository(db)
	wc := uarbatch.NewWorkerContext(repo, logger, cfg)
	if cfg.MonitorTopic != "" {
		wc.Monitor = uarbatch.NewPubSubMonitor(cfg.MonitorTopic, logger)
	}

	sched := uarbatch.NewScheduler(sigCtx, logger, guard, cfg.TickLockTTL)
	if err := uarbatch.RegisterJobs(sched, wc); err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler"}).Fatal(err)
	}
	sched.Start()
	ready.Store(&pipeline{sched: sched, wc: wc, repo: repo})
	logger.WithFields(logrus.Fields{
		"field":    "scheduler",
		"jobs":     sched.Jobs(),
		"tick":     cfg.TickSchedule,
		"daily":    cfg.DailySchedule,
		"instance": wc.InstanceId,
	}).Info("uar batch scheduler started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customRequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := appctx.GetCorrelationId(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
