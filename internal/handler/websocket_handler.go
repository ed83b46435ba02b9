package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/service"
)

const writeWait = 10 * time.Second

// EnvironmentGetter checks that a caller may watch an environment.
type EnvironmentGetter interface {
	Get(ctx context.Context, userID, environmentID string) (*model.EnvironmentView, error)
}

// EventStreamHandler handles WebSocket connections for /ws/environments/:id.
type EventStreamHandler struct {
	hub    service.StreamHubForHandler
	envs   EnvironmentGetter
	logger *zap.Logger
}

// NewEventStreamHandler creates the WebSocket event stream handler.
func NewEventStreamHandler(hub service.StreamHubForHandler, envs EnvironmentGetter, logger *zap.Logger) *EventStreamHandler {
	return &EventStreamHandler{hub: hub, envs: envs, logger: logger}
}

// ServeWS upgrades the request and streams the environment's event log
// entries until either side closes. Browsers cannot set headers on a
// WebSocket handshake, so ?userId= is accepted as well.
func (h *EventStreamHandler) ServeWS(c *gin.Context) {
	if c.GetHeader(HeaderUserID) == "" && c.Query("userId") != "" {
		c.Request.Header.Set(HeaderUserID, c.Query("userId"))
	}
	userID, ok := callerID(c)
	if !ok {
		return
	}
	envID := c.Param("id")
	if _, err := h.envs.Get(c.Request.Context(), userID, envID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.hub.Upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, cleanup := h.hub.Register(envID, userID, conn)
	defer cleanup()

	go h.writePump(sub)
	h.readPump(sub)
}

// readPump discards client messages and returns when the peer goes away.
func (h *EventStreamHandler) readPump(s *service.Subscriber) {
	for {
		if _, _, err := s.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read error", zap.String("environment_id", s.EnvironmentID), zap.Error(err))
			}
			return
		}
	}
}

// writePump owns every write on the connection.
func (h *EventStreamHandler) writePump(s *service.Subscriber) {
	defer func() {
		_ = s.Conn.Close()
	}()
	for data := range s.Send {
		_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
