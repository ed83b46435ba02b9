// Package telemetry emits replayed readings through the ingestion contract:
//
//	POST {url} {apiKey, deviceMac, readingType, readings:[{type,value,unit,timestamp}]}
//	-> {success, alerts}
//
// Any transport error or non-2xx answer is a failed emission.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/errs"
)

// Measurement is one value of a telemetry reading.
type Measurement struct {
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the body posted to the ingestion endpoint.
type Payload struct {
	APIKey      string        `json:"apiKey"`
	DeviceMAC   string        `json:"deviceMac"`
	ReadingType string        `json:"readingType"` // fish, plant, heartbeat
	Readings    []Measurement `json:"readings"`
}

// Response is the ingestion endpoint's answer.
type Response struct {
	Success bool `json:"success"`
	Alerts  int  `json:"alerts"`
}

// Emitter sends one reading to the telemetry collaborator.
type Emitter interface {
	Emit(ctx context.Context, p Payload) (Response, error)
}

// HTTPEmitter posts readings to the ingestion endpoint.
type HTTPEmitter struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewHTTPEmitter creates an emitter bounded by timeout per request. After
// five consecutive transport/5xx failures the breaker rejects emissions for
// 30s without touching the network.
func NewHTTPEmitter(url string, timeout time.Duration, log *zap.Logger) *HTTPEmitter {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPEmitter{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "telemetry",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// A rejected reading is the endpoint working as intended.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errs.ErrTelemetryRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		log: log,
	}
}

// Emit posts p and decodes the answer.
func (e *HTTPEmitter) Emit(ctx context.Context, p Payload) (Response, error) {
	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.post(ctx, p)
	})
	if err != nil {
		return Response{}, err
	}
	return res.(Response), nil
}

func (e *HTTPEmitter) post(ctx context.Context, p Payload) (Response, error) {
	if err := Validate(p); err != nil {
		return Response{}, fmt.Errorf("%w: %v", errs.ErrTelemetryRejected, err)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Response{}, fmt.Errorf("encode telemetry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("telemetry request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500:
		return Response{}, fmt.Errorf("telemetry upstream status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Response{}, fmt.Errorf("%w: status %d: %s", errs.ErrTelemetryRejected, resp.StatusCode, truncate(raw, 200))
	}
	var out Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Response{}, fmt.Errorf("decode telemetry response: %w", err)
		}
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
