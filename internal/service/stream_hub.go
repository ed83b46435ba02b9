package service

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/metrics"
	"github.com/psds-microservice/virtual-device-service/internal/model"
)

// Subscriber is a dashboard WebSocket watching one environment.
type Subscriber struct {
	EnvironmentID string
	UserID        string
	Conn          *websocket.Conn
	Send          chan []byte
}

// EventPublisher receives every committed event log entry.
type EventPublisher interface {
	Publish(entry model.EventLogEntry)
}

// StreamHubForHandler is what the WebSocket handler needs from the hub.
type StreamHubForHandler interface {
	Register(environmentID, userID string, conn *websocket.Conn) (*Subscriber, func())
	Upgrader() *websocket.Upgrader
}

// StreamHub fans event log entries out to subscribers per environment.
type StreamHub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscriber]struct{} // environmentID -> subscribers
	upgrader   websocket.Upgrader
	maxMsgSize int64
	log        *zap.Logger
}

// NewStreamHub creates a new stream hub.
func NewStreamHub(readBuf, writeBuf int, maxMessageSize int64, log *zap.Logger) *StreamHub {
	if readBuf <= 0 {
		readBuf = 4096
	}
	if writeBuf <= 0 {
		writeBuf = 4096
	}
	return &StreamHub{
		subs:       make(map[string]map[*Subscriber]struct{}),
		maxMsgSize: maxMessageSize,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			// Allow all origins for dev; in prod set CheckOrigin.
		},
	}
}

// Register adds a subscriber to an environment and returns a cleanup function.
func (h *StreamHub) Register(environmentID, userID string, conn *websocket.Conn) (*Subscriber, func()) {
	if h.maxMsgSize > 0 {
		conn.SetReadLimit(h.maxMsgSize)
	}
	s := &Subscriber{
		EnvironmentID: environmentID,
		UserID:        userID,
		Conn:          conn,
		Send:          make(chan []byte, 256),
	}
	h.mu.Lock()
	if h.subs[environmentID] == nil {
		h.subs[environmentID] = make(map[*Subscriber]struct{})
	}
	h.subs[environmentID][s] = struct{}{}
	h.mu.Unlock()
	metrics.LiveSubscribers.Inc()

	h.log.Info("subscriber registered",
		zap.String("environment_id", environmentID),
		zap.String("user_id", userID))

	var once sync.Once
	return s, func() { once.Do(func() { h.unregister(environmentID, s) }) }
}

func (h *StreamHub) unregister(environmentID string, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.subs[environmentID]
	if !ok {
		return
	}
	if _, ok := m[s]; !ok {
		return
	}
	delete(m, s)
	if len(m) == 0 {
		delete(h.subs, environmentID)
	}
	close(s.Send)
	metrics.LiveSubscribers.Dec()
	h.log.Info("subscriber unregistered",
		zap.String("environment_id", environmentID),
		zap.String("user_id", s.UserID))
}

// Publish implements EventPublisher. Slow subscribers drop messages rather
// than block the tick that produced them.
func (h *StreamHub) Publish(entry model.EventLogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.subs[entry.EnvironmentID]
	if !ok {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		h.log.Warn("encode event", zap.Error(err))
		return
	}
	for s := range m {
		select {
		case s.Send <- raw:
		default:
			h.log.Warn("subscriber send buffer full", zap.String("user_id", s.UserID))
		}
	}
}

// CloseEnvironment queues a final notice to every subscriber of a deleted
// environment and closes their Send channels. The write pump owns the
// connection and closes it once Send drains.
func (h *StreamHub) CloseEnvironment(environmentID string) {
	h.mu.Lock()
	m, ok := h.subs[environmentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, environmentID)
	h.mu.Unlock()

	raw, _ := json.Marshal(map[string]string{"event": "environment_deleted", "environment_id": environmentID})
	for s := range m {
		select {
		case s.Send <- raw:
		default:
		}
		close(s.Send)
		metrics.LiveSubscribers.Dec()
	}
	h.log.Info("environment stream closed", zap.String("environment_id", environmentID))
}

// Upgrader returns the WebSocket upgrader for HTTP handlers.
func (h *StreamHub) Upgrader() *websocket.Upgrader {
	return &h.upgrader
}

// SubscriberCount returns the number of subscribers of an environment.
func (h *StreamHub) SubscriberCount(environmentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[environmentID])
}
