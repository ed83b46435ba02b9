package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/psds-microservice/virtual-device-service/internal/errs"
	"github.com/psds-microservice/virtual-device-service/internal/metrics"
	"github.com/psds-microservice/virtual-device-service/internal/speed"
)

// Config configures the HTTP adapter.
type Config struct {
	BaseURL       string // SCHEDULER_BASE_URL
	APIKey        string // SCHEDULER_API_KEY
	PublicBaseURL string // where the provider reaches this service
	CronSecret    string // sent back by the provider on each callback
	Timezone      string
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInitial  time.Duration
}

// StatusError is a non-2xx provider answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scheduler status %d: %s", e.Code, e.Body)
}

// Transient reports whether the call is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type schedule struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

type jobSpec struct {
	Title    string            `json:"title,omitempty"`
	URL      string            `json:"url,omitempty"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Schedule *schedule         `json:"schedule,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type jobEnvelope struct {
	Job jobSpec `json:"job"`
}

// HTTPAdapter is the JSON/HTTP client of the cron provider.
type HTTPAdapter struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewHTTPAdapter creates the provider client.
func NewHTTPAdapter(cfg Config, log *zap.Logger) *HTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 250 * time.Millisecond
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPAdapter{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "scheduler",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				var se *StatusError
				return err == nil || (errors.As(err, &se) && !se.Transient())
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

// CallbackURL implements Adapter.
func (a *HTTPAdapter) CallbackURL(environmentID string) string {
	return CallbackURL(a.cfg.PublicBaseURL, environmentID)
}

func (a *HTTPAdapter) spec(environmentID, name, speedName string, enabled bool) (jobSpec, error) {
	sp, err := speed.Lookup(speedName)
	if err != nil {
		return jobSpec{}, err
	}
	if name == "" {
		name = "environment " + environmentID
	}
	s := jobSpec{
		Title:    name,
		URL:      a.CallbackURL(environmentID),
		Enabled:  &enabled,
		Schedule: &schedule{Cron: sp.Cron, Timezone: a.cfg.Timezone},
	}
	if a.cfg.CronSecret != "" {
		s.Headers = map[string]string{"Authorization": "Bearer " + a.cfg.CronSecret}
	}
	return s, nil
}

// CreateJob implements Adapter. The job is created enabled.
func (a *HTTPAdapter) CreateJob(ctx context.Context, environmentID, speedName string) Result {
	s, err := a.spec(environmentID, "", speedName, true)
	if err != nil {
		return a.record("create", failed(err))
	}
	return a.record("create", a.create(ctx, s))
}

func (a *HTTPAdapter) create(ctx context.Context, s jobSpec) Result {
	var out struct {
		JobID json.RawMessage `json:"jobId"`
	}
	if err := a.call(ctx, http.MethodPost, "/jobs", jobEnvelope{Job: s}, &out); err != nil {
		return failed(err)
	}
	id := strings.Trim(string(out.JobID), `"`)
	if id == "" || id == "null" {
		return failed(fmt.Errorf("%w: create returned no job id", errs.ErrSchedulerUnavailable))
	}
	return Result{Success: true, JobID: id}
}

// ToggleJob implements Adapter.
func (a *HTTPAdapter) ToggleJob(ctx context.Context, jobID string, enabled bool) Result {
	if jobID == "" {
		return a.record("toggle", failed(errors.New("no job id")))
	}
	body := jobEnvelope{Job: jobSpec{Enabled: &enabled}}
	if err := a.call(ctx, http.MethodPatch, "/jobs/"+jobID, body, nil); err != nil {
		return a.record("toggle", failed(err))
	}
	return a.record("toggle", Result{Success: true, JobID: jobID})
}

// DeleteJob implements Adapter. A job the provider no longer knows counts as
// deleted.
func (a *HTTPAdapter) DeleteJob(ctx context.Context, jobID string) Result {
	if jobID == "" {
		return a.record("delete", Result{Success: true})
	}
	if err := a.call(ctx, http.MethodDelete, "/jobs/"+jobID, nil, nil); err != nil && !isNotFound(err) {
		return a.record("delete", failed(err))
	}
	return a.record("delete", Result{Success: true, JobID: jobID})
}

// SyncJob implements Adapter: pushes the full desired job state, creating the
// job when there is none or the provider lost it.
func (a *HTTPAdapter) SyncJob(ctx context.Context, environmentID, name, existingJobID, speedName string, enabled bool) Result {
	s, err := a.spec(environmentID, name, speedName, enabled)
	if err != nil {
		return a.record("sync", failed(err))
	}
	if existingJobID == "" {
		return a.record("sync", a.create(ctx, s))
	}
	err = a.call(ctx, http.MethodPatch, "/jobs/"+existingJobID, jobEnvelope{Job: s}, nil)
	switch {
	case err == nil:
		return a.record("sync", Result{Success: true, JobID: existingJobID})
	case isNotFound(err):
		a.log.Info("scheduler lost job, recreating",
			zap.String("environment_id", environmentID),
			zap.String("job_id", existingJobID))
		return a.record("sync", a.create(ctx, s))
	default:
		return a.record("sync", failed(err))
	}
}

func (a *HTTPAdapter) record(op string, r Result) Result {
	outcome := metrics.OutcomeOK
	if !r.Success {
		outcome = metrics.OutcomeError
		a.log.Warn("scheduler call failed", zap.String("op", op), zap.String("error", r.Error))
	}
	metrics.SchedulerCalls.WithLabelValues(op, outcome).Inc()
	return r
}

// call runs one logical request: retried with backoff on transient failures,
// guarded by the breaker as a whole.
func (a *HTTPAdapter) call(ctx context.Context, method, path string, in, out any) error {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = a.cfg.RetryInitial
		bo.MaxInterval = 4 * a.cfg.RetryInitial
		bo.MaxElapsedTime = 3 * a.cfg.Timeout
		retries := a.cfg.MaxRetries
		if retries == 0 {
			retries = 3
		}
		op := func() error {
			err := a.once(ctx, method, path, in, out)
			var se *StatusError
			if errors.As(err, &se) && !se.Transient() {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil, backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", errs.ErrSchedulerUnavailable, err)
	}
	return err
}

func (a *HTTPAdapter) once(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode scheduler response: %w", err))
		}
	}
	return nil
}
