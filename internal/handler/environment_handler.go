package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/service"
	"github.com/psds-microservice/virtual-device-service/internal/speed"
)

// EnvironmentHandler handles REST API for environments.
type EnvironmentHandler struct {
	svc service.EnvironmentServicer
}

// NewEnvironmentHandler creates an environment handler.
func NewEnvironmentHandler(svc service.EnvironmentServicer) *EnvironmentHandler {
	return &EnvironmentHandler{svc: svc}
}

// Create godoc
// POST /api/environments
func (h *EnvironmentHandler) Create(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var req model.CreateEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.svc.Create(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// List godoc
// GET /api/environments
func (h *EnvironmentHandler) List(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	views, err := h.svc.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": views})
}

// Get godoc
// GET /api/environments/:id
func (h *EnvironmentHandler) Get(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	view, err := h.svc.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Update godoc
// PATCH /api/environments/:id
func (h *EnvironmentHandler) Update(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var req model.UpdateEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.svc.Update(c.Request.Context(), userID, c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Enable godoc
// POST /api/environments/:id/enable
func (h *EnvironmentHandler) Enable(c *gin.Context) { h.setEnabled(c, true) }

// Disable godoc
// POST /api/environments/:id/disable
func (h *EnvironmentHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *EnvironmentHandler) setEnabled(c *gin.Context, enabled bool) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	view, err := h.svc.SetEnabled(c.Request.Context(), userID, c.Param("id"), enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Delete godoc
// DELETE /api/environments/:id
func (h *EnvironmentHandler) Delete(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Speeds godoc
// GET /api/speeds
func (h *EnvironmentHandler) Speeds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"speeds": speed.All(), "default": speed.DefaultName})
}
