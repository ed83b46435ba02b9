package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/config"
	"github.com/psds-microservice/virtual-device-service/internal/database"
	"github.com/psds-microservice/virtual-device-service/internal/handler"
	"github.com/psds-microservice/virtual-device-service/internal/router"
)

// API is the HTTP + WebSocket API application.
type API struct {
	cfg  *config.Config
	srv  *http.Server
	core *Core
	log  *zap.Logger
}

// NewAPI validates config, runs migrations, wires the services and builds
// the router.
func NewAPI(ctx context.Context, cfg *config.Config, log *zap.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL(), log); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	core, err := NewCore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := core.DB.DB()
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("database: %w", err)
	}
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.CronSecret == "" {
		log.Warn("CRON_SECRET is empty: the scheduler callback rejects every call")
	}

	r := router.New(router.Handlers{
		Sessions:     handler.NewSessionHandler(core.Sessions),
		Environments: handler.NewEnvironmentHandler(core.Environments),
		Cron:         handler.NewCronHandler(core.Runner, cfg.CronSecret, log),
		Monitor:      handler.NewMonitorHandler(core.Health, core.Reconcile),
		Stream:       handler.NewEventStreamHandler(core.Hub, core.Environments, log),
		Health:       handler.NewHealthHandler(sqlDB),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &API{cfg: cfg, srv: srv, core: core, log: log}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled; then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info("HTTP server listening",
		zap.String("addr", a.srv.Addr),
		zap.String("health", base+"/health"),
		zap.String("cron_tick", base+"/api/cron/tick"),
		zap.String("events_ws", "ws://"+host+":"+a.cfg.HTTPPort+"/ws/environments/:id"))

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.core.Close()
		return fmt.Errorf("http: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.srv.Shutdown(shutdownCtx)
	a.core.Close()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
