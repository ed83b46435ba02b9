package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/virtual-device-service/internal/errs"
)

// HeaderUserID identifies the caller; authentication happens upstream.
const HeaderUserID = "X-User-ID"

type errorMapping struct {
	target error
	status int
	code   string
}

var errorTable = []errorMapping{
	{errs.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{errs.ErrInvalidKind, http.StatusBadRequest, "INVALID_KIND"},
	{errs.ErrNoDeviceAssigned, http.StatusUnprocessableEntity, "NO_DEVICE_ASSIGNED"},
	{errs.ErrInvalidSpeed, http.StatusUnprocessableEntity, "INVALID_SPEED"},
	{errs.ErrDeviceKindMismatch, http.StatusUnprocessableEntity, "DEVICE_KIND_MISMATCH"},
	{errs.ErrSessionAlreadyActive, http.StatusConflict, "SESSION_ALREADY_ACTIVE"},
	{errs.ErrCannotResume, http.StatusConflict, "CANNOT_RESUME"},
	{errs.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{errs.ErrSessionNotActive, http.StatusConflict, "SESSION_NOT_ACTIVE"},
	{errs.ErrTickInProgress, http.StatusConflict, "TICK_IN_PROGRESS"},
	{errs.ErrNotOwner, http.StatusForbidden, "FORBIDDEN"},
	{errs.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{errs.ErrEnvironmentNotFound, http.StatusNotFound, "ENVIRONMENT_NOT_FOUND"},
	{errs.ErrDeviceNotFound, http.StatusNotFound, "DEVICE_NOT_FOUND"},
	{errs.ErrSchedulerUnavailable, http.StatusBadGateway, "SCHEDULER_UNAVAILABLE"},
	{errs.ErrTelemetryRejected, http.StatusBadGateway, "TELEMETRY_REJECTED"},
}

// statusOf maps a service error to its HTTP status and error code.
func statusOf(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func respondError(c *gin.Context, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "VALIDATION_ERROR"})
}

// callerID returns the X-User-ID of the request, answering 401 when absent.
func callerID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.GetHeader(HeaderUserID))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID, "code": "UNAUTHORIZED"})
		return "", false
	}
	return id, true
}
