package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/service"
)

// BatchRunner runs batch ticks and lists past runs.
type BatchRunner interface {
	RunBatch(ctx context.Context, trigger, environmentID string) (*service.BatchResult, error)
	RecentRuns(ctx context.Context, limit int) ([]model.CronExecutionLog, error)
}

// CronHandler serves the scheduler callback.
type CronHandler struct {
	runner BatchRunner
	secret string
	log    *zap.Logger
}

// NewCronHandler creates the scheduler callback handler. An empty secret
// rejects every call.
func NewCronHandler(runner BatchRunner, secret string, log *zap.Logger) *CronHandler {
	return &CronHandler{runner: runner, secret: secret, log: log}
}

func (h *CronHandler) authorized(c *gin.Context) bool {
	if h.secret == "" {
		return false
	}
	got := c.Query("key")
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

// Tick godoc
// GET|POST /api/cron/tick?environmentId=
// Answers 200 once authenticated, whatever the batch outcome, so the
// provider never retries or disables the job.
func (h *CronHandler) Tick(c *gin.Context) {
	if !h.authorized(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "UNAUTHORIZED"})
		return
	}
	res, err := h.runner.RunBatch(c.Request.Context(), model.TriggerScheduler, c.Query("environmentId"))
	if err != nil {
		h.log.Error("batch tick failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"success":  false,
			"streamed": 0,
			"results":  []service.BatchOutcome{},
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// Runs godoc
// GET /api/cron/runs?limit=
func (h *CronHandler) Runs(c *gin.Context) {
	if !h.authorized(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "UNAUTHORIZED"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.runner.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
