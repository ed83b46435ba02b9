package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/analytics"
	"github.com/psds-microservice/virtual-device-service/internal/config"
	"github.com/psds-microservice/virtual-device-service/internal/database"
	"github.com/psds-microservice/virtual-device-service/internal/dataset"
	"github.com/psds-microservice/virtual-device-service/internal/scheduler"
	"github.com/psds-microservice/virtual-device-service/internal/service"
	"github.com/psds-microservice/virtual-device-service/internal/telemetry"
)

// Core is the service graph shared by the API and the one-shot CLI commands.
type Core struct {
	DB           *gorm.DB
	Hub          *service.StreamHub
	Sessions     *service.SessionService
	Environments *service.EnvironmentService
	Health       *service.HealthService
	Reconcile    *service.ReconcileService
	Runner       *service.CronRunner

	closers []func()
}

// NewCore opens the database and wires every collaborator. Optional sinks
// (MQTT mirror, InfluxDB) are skipped when unconfigured or unreachable.
func NewCore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Core, error) {
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	source, err := dataset.LoadEmbedded(nil)
	if err != nil {
		return nil, fmt.Errorf("datasets: %w", err)
	}
	c := &Core{DB: db}

	var emitter telemetry.Emitter = telemetry.NewHTTPEmitter(cfg.Telemetry.URL, cfg.Telemetry.Timeout, log)
	if cfg.MQTT.Broker != "" {
		mirror, err := telemetry.NewMQTTMirror(ctx, telemetry.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			User:        cfg.MQTT.User,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, log)
		if err != nil {
			log.Warn("mqtt mirror disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			emitter = telemetry.WithMirror(emitter, mirror, log)
			c.closers = append(c.closers, mirror.Close)
		}
	}

	var recorder service.RunRecorder
	if cfg.Influx.URL != "" {
		influx := analytics.NewInfluxRecorder(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		recorder = influx
		c.closers = append(c.closers, influx.Close)
	}

	sched := scheduler.NewHTTPAdapter(scheduler.Config{
		BaseURL:       cfg.Scheduler.BaseURL,
		APIKey:        cfg.Scheduler.APIKey,
		PublicBaseURL: cfg.PublicBaseURL,
		CronSecret:    cfg.CronSecret,
		Timezone:      cfg.Scheduler.Timezone,
		Timeout:       cfg.Scheduler.Timeout,
		MaxRetries:    uint64(cfg.Scheduler.MaxRetries),
	}, log)

	locks := service.NewEnvLocker()
	c.Hub = service.NewStreamHub(cfg.WSReadBufferSize, cfg.WSWriteBufferSize, cfg.WSMaxMessageSize, log)
	events := service.NewEventLogger(db, c.Hub, log)
	c.Sessions = service.NewSessionService(db, cfg, source, emitter, events, locks, log)
	c.Environments = service.NewEnvironmentService(db, sched, c.Sessions, c.Hub, locks, log)
	c.Health = service.NewHealthService(db, log)
	c.Reconcile = service.NewReconcileService(db, c.Environments, c.Sessions, c.Health, locks, log)
	c.Runner = service.NewCronRunner(db, c.Sessions, recorder, cfg.TickConcurrency, log)
	return c, nil
}

// Close releases optional sinks and the database pool.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
