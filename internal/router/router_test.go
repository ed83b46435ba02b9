package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/handler"
)

func testRouter() http.Handler {
	gin.SetMode(gin.TestMode)
	return New(Handlers{
		Sessions:     handler.NewSessionHandler(nil),
		Environments: handler.NewEnvironmentHandler(nil),
		Cron:         handler.NewCronHandler(nil, "s3cret", zap.NewNop()),
		Monitor:      handler.NewMonitorHandler(nil, nil),
		Stream:       handler.NewEventStreamHandler(nil, nil, zap.NewNop()),
		Health:       handler.NewHealthHandler(nil),
	})
}

func TestRoutes(t *testing.T) {
	r := testRouter()
	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/cron/tick", http.StatusUnauthorized},
		{http.MethodPost, "/api/cron/tick?key=wrong", http.StatusUnauthorized},
		{http.MethodGet, "/api/cron/runs", http.StatusUnauthorized},
		{http.MethodGet, "/api/speeds", http.StatusOK},
		{http.MethodPost, "/api/sessions/start", http.StatusUnauthorized},
		{http.MethodGet, "/ws/environments/e1", http.StatusUnauthorized},
		{http.MethodGet, "/api/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestMetricsExposeServiceCollectors(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
