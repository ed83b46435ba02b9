package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/virtual-device-service/internal/service"
)

// HealthChecker reports stream health and raises alerts.
type HealthChecker interface {
	GetHealthCheck(ctx context.Context, userID string) (*service.HealthReport, error)
	CheckAndCreateAlerts(ctx context.Context, userID string) (*service.AlertReport, error)
}

// Reconciler heals drift.
type Reconciler interface {
	PerformSync(ctx context.Context, userID, runID string) (*service.SyncReport, error)
}

// MonitorHandler serves stream health, alerts and reconciliation.
type MonitorHandler struct {
	health    HealthChecker
	reconcile Reconciler
}

// NewMonitorHandler creates the monitoring handler.
func NewMonitorHandler(health HealthChecker, reconcile Reconciler) *MonitorHandler {
	return &MonitorHandler{health: health, reconcile: reconcile}
}

// Health godoc
// GET /api/health
func (h *MonitorHandler) Health(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	report, err := h.health.GetHealthCheck(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Sync godoc
// POST /api/sync
func (h *MonitorHandler) Sync(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	report, err := h.reconcile.PerformSync(c.Request.Context(), userID, "")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// CheckAlerts godoc
// POST /api/alerts/check
func (h *MonitorHandler) CheckAlerts(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	report, err := h.health.CheckAndCreateAlerts(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
