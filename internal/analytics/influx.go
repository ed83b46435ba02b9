// Package analytics writes batch run summaries to InfluxDB.
package analytics

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

const measurement = "cron_run"

// InfluxRecorder stores one point per batch run.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxRecorder creates a recorder writing to org/bucket.
func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClientWithOptions(url, token, influxdb2.DefaultOptions().SetHTTPRequestTimeout(5))
	return &InfluxRecorder{client: client, write: client.WriteAPIBlocking(org, bucket)}
}

// RecordRun writes run as a point tagged by trigger and status.
func (r *InfluxRecorder) RecordRun(ctx context.Context, run *model.CronExecutionLog) error {
	tags := map[string]string{
		"trigger": run.TriggerSource,
		"status":  run.Status,
	}
	fields := map[string]interface{}{
		"configs":     run.ConfigsProcessed,
		"sessions":    run.SessionsProcessed,
		"readings":    run.ReadingsSent,
		"errors":      run.ErrorsEncountered,
		"duration_ms": run.DurationMs,
	}
	p := influxdb2.NewPoint(measurement, tags, fields, run.StartedAt)
	if err := r.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *InfluxRecorder) Close() {
	r.client.Close()
}
