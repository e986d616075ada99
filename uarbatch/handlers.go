package uarbatch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/uar_backend/models"
)

// OpsStore is what the operator endpoints read and reset.
type OpsStore interface {
	ListFailedCandidates(ctx context.Context, limit int) ([]models.NotificationCandidate, error)
	RequeueCandidate(ctx context.Context, id uint) (bool, error)
}

type CompletionRequest struct {
	RequestId  string `json:"requestId" binding:"required"`
	ApproverId string `json:"approverId" binding:"required"`
	DueDate    string `json:"dueDate"`
}

// RunJobHandler fires a registered job in the background.
func RunJobHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := s.Trigger(name); err != nil {
			if errors.Is(err, ErrUnknownJob) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "jobs": s.Jobs()})
				return
			}
			if errors.Is(err, ErrSchedulerStopped) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job": name, "status": "triggered"})
	}
}

// CompletionHandler queues UAR_COMPLETED after an approval action.
func CompletionHandler(q *Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "requestId and approverId are required"})
			return
		}
		var due *time.Time
		if s := strings.TrimSpace(req.DueDate); s != "" {
			t, err := time.ParseInLocation("2006-01-02", s, time.Local)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "dueDate must be YYYY-MM-DD"})
				return
			}
			due = &t
		}
		if err := q.QueueCompletion(c.Request.Context(), strings.TrimSpace(req.RequestId), strings.TrimSpace(req.ApproverId), due); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

// FailedNotificationsHandler lists FAILED candidates, newest first.
func FailedNotificationsHandler(store OpsStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		rows, err := store.ListFailedCandidates(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows})
	}
}

// RequeueHandler moves a FAILED candidate back to PENDING.
func RequeueHandler(store OpsStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		ok, err := store.RequeueCandidate(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "candidate is not FAILED"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "status": models.CandidateStatusPending})
	}
}

// OpsTokenMiddleware requires header x-ops-token to equal token. An empty
// token disables the check.
func OpsTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("x-ops-token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
