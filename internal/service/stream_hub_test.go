package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

// hubServer upgrades every request and pumps the subscriber's Send channel.
func hubServer(t *testing.T, hub *StreamHub, environmentID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.Upgrader().Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub, cleanup := hub.Register(environmentID, testUser, conn)
		defer cleanup()
		defer conn.Close()
		for msg := range sub.Send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *StreamHub, environmentID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.SubscriberCount(environmentID) == n },
		2*time.Second, 5*time.Millisecond)
}

func TestStreamHubFanOutPerEnvironment(t *testing.T) {
	hub := NewStreamHub(0, 0, 0, zap.NewNop())
	a := dial(t, hubServer(t, hub, "env-a"))
	dial(t, hubServer(t, hub, "env-b"))
	waitSubscribers(t, hub, "env-a", 1)
	waitSubscribers(t, hub, "env-b", 1)

	hub.Publish(model.EventLogEntry{ID: "1", SessionID: "s1", EnvironmentID: "env-a", EventType: model.EventDataSent})

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := a.ReadMessage()
	require.NoError(t, err)
	var got model.EventLogEntry
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, model.EventDataSent, got.EventType)
}

func TestStreamHubPublishWithoutSubscribers(t *testing.T) {
	hub := NewStreamHub(0, 0, 0, zap.NewNop())
	assert.NotPanics(t, func() {
		hub.Publish(model.EventLogEntry{EnvironmentID: "nobody"})
	})
}

func TestStreamHubCloseEnvironment(t *testing.T) {
	hub := NewStreamHub(0, 0, 0, zap.NewNop())
	conn := dial(t, hubServer(t, hub, "env-a"))
	waitSubscribers(t, hub, "env-a", 1)

	hub.CloseEnvironment("env-a")
	assert.Zero(t, hub.SubscriberCount("env-a"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "environment_deleted")
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestEnvironmentDeletePublishesToSubscribers(t *testing.T) {
	f := newFixture(t, 10)
	env, id := startFish(t, f)
	conn := dial(t, hubServer(t, f.hub, env.ID))
	waitSubscribers(t, f.hub, env.ID, 1)

	tickN(t, f, id, 1, time.Minute)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), model.EventDataSent)

	require.NoError(t, f.envs.Delete(context.Background(), testUser, env.ID))
	var sawFailed bool
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if strings.Contains(string(raw), model.EventSessionFailed) {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}
