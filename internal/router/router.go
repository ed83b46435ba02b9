package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/psds-microservice/virtual-device-service/internal/handler"
	"github.com/psds-microservice/virtual-device-service/pkg/constants"
)

// Handlers bundles every HTTP handler the router mounts.
type Handlers struct {
	Sessions     *handler.SessionHandler
	Environments *handler.EnvironmentHandler
	Cron         *handler.CronHandler
	Monitor      *handler.MonitorHandler
	Stream       *handler.EventStreamHandler
	Health       *handler.HealthHandler
}

// New builds the HTTP router.
func New(h Handlers) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(constants.PathHealth, h.Health.Health)
	r.GET(constants.PathReady, h.Health.Ready)
	r.GET(constants.PathMetrics, gin.WrapH(promhttp.Handler()))

	// Scheduler callback: GET or POST.
	r.GET(constants.PathCronTick, h.Cron.Tick)
	r.POST(constants.PathCronTick, h.Cron.Tick)

	api := r.Group("/api")
	{
		api.GET("/cron/runs", h.Cron.Runs)
		api.GET("/speeds", h.Environments.Speeds)

		sessions := api.Group("/sessions")
		sessions.POST("/start", h.Sessions.Start)
		sessions.GET("/:id", h.Sessions.Get)
		sessions.GET("/:id/events", h.Sessions.Events)
		sessions.POST("/:id/pause", h.Sessions.Pause)
		sessions.POST("/:id/resume", h.Sessions.Resume)
		sessions.POST("/:id/reset", h.Sessions.Reset)
		sessions.POST("/:id/tick", h.Sessions.Tick)

		envs := api.Group("/environments")
		envs.POST("", h.Environments.Create)
		envs.GET("", h.Environments.List)
		envs.GET("/:id", h.Environments.Get)
		envs.PATCH("/:id", h.Environments.Update)
		envs.DELETE("/:id", h.Environments.Delete)
		envs.POST("/:id/enable", h.Environments.Enable)
		envs.POST("/:id/disable", h.Environments.Disable)
		envs.GET("/:id/sessions", h.Sessions.ListByEnvironment)

		api.GET("/health", h.Monitor.Health)
		api.POST("/sync", h.Monitor.Sync)
		api.POST("/alerts/check", h.Monitor.CheckAlerts)
	}

	r.GET(constants.PathEventStream, h.Stream.ServeWS)

	return otelhttp.NewHandler(r, "virtual-device-service")
}
