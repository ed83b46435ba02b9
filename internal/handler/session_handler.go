package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/service"
)

// SessionHandler handles REST API for streaming sessions.
type SessionHandler struct {
	svc service.SessionServicer
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(svc service.SessionServicer) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Start godoc
// POST /api/sessions/start
func (h *SessionHandler) Start(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var req model.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.svc.Start(c.Request.Context(), userID, req.EnvironmentID, req.DeviceKind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Pause godoc
// POST /api/sessions/:id/pause
func (h *SessionHandler) Pause(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	view, err := h.svc.Pause(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Resume godoc
// POST /api/sessions/:id/resume
func (h *SessionHandler) Resume(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	view, err := h.svc.Resume(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Reset godoc
// POST /api/sessions/:id/reset
// An empty body resets without retaining data.
func (h *SessionHandler) Reset(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var req model.ResetSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	view, err := h.svc.Reset(c.Request.Context(), userID, c.Param("id"), req.RetainData)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// Tick godoc
// POST /api/sessions/:id/tick
func (h *SessionHandler) Tick(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	res, view, err := h.svc.ManualTick(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tick":     res,
		"session":  view.Session,
		"progress": view.Progress,
	})
}

// Get godoc
// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
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

// Events godoc
// GET /api/sessions/:id/events?limit=
func (h *SessionHandler) Events(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.svc.Events(c.Request.Context(), userID, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ListByEnvironment godoc
// GET /api/environments/:id/sessions
func (h *SessionHandler) ListByEnvironment(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	views, err := h.svc.ListByEnvironment(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}
