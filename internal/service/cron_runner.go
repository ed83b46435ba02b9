package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/errs"
	"github.com/psds-microservice/virtual-device-service/internal/metrics"
	"github.com/psds-microservice/virtual-device-service/internal/model"
)

// RunRecorder receives every finished batch run, e.g. for time-series
// analytics. Failures are logged and never fail the run.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *model.CronExecutionLog) error
}

// BatchOutcome is one session's line in a batch result.
type BatchOutcome struct {
	TickResult
	Skipped bool `json:"skipped,omitempty"`
}

// BatchResult is the answer of a batch tick.
type BatchResult struct {
	RunID    string         `json:"runId"`
	Success  bool           `json:"success"`
	Status   string         `json:"status"`
	Streamed int            `json:"streamed"`
	Results  []BatchOutcome `json:"results"`
}

// CronRunner ticks every active session of enabled environments.
type CronRunner struct {
	db          *gorm.DB
	sessions    *SessionService
	recorder    RunRecorder
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

// NewCronRunner creates a batch runner. recorder may be nil.
func NewCronRunner(db *gorm.DB, sessions *SessionService, recorder RunRecorder, concurrency int, log *zap.Logger) *CronRunner {
	if concurrency < 1 {
		concurrency = 8
	}
	return &CronRunner{
		db:          db,
		sessions:    sessions,
		recorder:    recorder,
		concurrency: concurrency,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunBatch ticks the active sessions of every enabled environment, or only of
// environmentID when set. Individual tick failures never abort the batch.
func (r *CronRunner) RunBatch(ctx context.Context, trigger, environmentID string) (*BatchResult, error) {
	run := &model.CronExecutionLog{
		RunID:         uuid.New().String(),
		Status:        model.RunStatusRunning,
		TriggerSource: trigger,
		StartedAt:     r.now(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	log := r.log.With(zap.String("run_id", run.RunID), zap.String("trigger", trigger))

	q := r.db.WithContext(ctx).Model(&model.Environment{}).Where("enabled = ?", true)
	if environmentID != "" {
		q = q.Where("id = ?", environmentID)
	}
	var envIDs []string
	if err := q.Pluck("id", &envIDs).Error; err != nil {
		return nil, r.abort(ctx, run, fmt.Errorf("load environments: %w", err))
	}
	var sessionIDs []string
	if len(envIDs) > 0 {
		if err := r.db.WithContext(ctx).Model(&model.StreamingSession{}).
			Where("environment_id IN ? AND status = ?", envIDs, string(model.SessionStatusActive)).
			Order("created_at ASC").
			Pluck("id", &sessionIDs).Error; err != nil {
			return nil, r.abort(ctx, run, fmt.Errorf("load sessions: %w", err))
		}
	}

	var (
		mu       sync.Mutex
		outcomes = make([]BatchOutcome, len(sessionIDs))
		g        errgroup.Group
	)
	g.SetLimit(r.concurrency)
	for i, id := range sessionIDs {
		g.Go(func() error {
			res, err := r.sessions.Tick(ctx, id, &run.RunID)
			out := BatchOutcome{}
			switch {
			case err == nil:
				out.TickResult = *res
			case errors.Is(err, errs.ErrTickInProgress), errors.Is(err, errs.ErrSessionNotActive):
				out.TickResult = TickResult{SessionID: id, Error: err.Error()}
				out.Skipped = true
			default:
				out.TickResult = TickResult{SessionID: id, Error: err.Error()}
			}
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{RunID: run.RunID, Results: outcomes}
	errCount, progressed := 0, 0
	for _, o := range outcomes {
		if o.Sent {
			result.Streamed++
		}
		if o.Sent || o.Completed {
			progressed++
		}
		if o.Error != "" && !o.Skipped {
			errCount++
		}
	}
	switch {
	case errCount == 0:
		run.Status = model.RunStatusSuccess
	case progressed > 0:
		run.Status = model.RunStatusPartial
	default:
		run.Status = model.RunStatusFailed
	}
	result.Status = run.Status
	result.Success = run.Status != model.RunStatusFailed

	run.ConfigsProcessed = len(envIDs)
	run.SessionsProcessed = len(sessionIDs)
	run.ReadingsSent = result.Streamed
	run.ErrorsEncountered = errCount
	r.finish(ctx, run)

	log.Info("batch tick finished",
		zap.String("status", run.Status),
		zap.Int("environments", len(envIDs)),
		zap.Int("sessions", len(sessionIDs)),
		zap.Int("streamed", result.Streamed),
		zap.Int("errors", errCount),
		zap.Int64("duration_ms", run.DurationMs))
	return result, nil
}

func (r *CronRunner) abort(ctx context.Context, run *model.CronExecutionLog, cause error) error {
	run.Status = model.RunStatusFailed
	run.ErrorsEncountered = 1
	r.finish(ctx, run)
	return cause
}

func (r *CronRunner) finish(ctx context.Context, run *model.CronExecutionLog) {
	done := r.now()
	run.CompletedAt = &done
	run.DurationMs = done.Sub(run.StartedAt).Milliseconds()
	if err := r.db.WithContext(ctx).Model(run).Updates(map[string]any{
		"status":             run.Status,
		"configs_processed":  run.ConfigsProcessed,
		"sessions_processed": run.SessionsProcessed,
		"readings_sent":      run.ReadingsSent,
		"errors_encountered": run.ErrorsEncountered,
		"completed_at":       done,
		"duration_ms":        run.DurationMs,
	}).Error; err != nil {
		r.log.Error("close run log", zap.String("run_id", run.RunID), zap.Error(err))
	}
	metrics.BatchRuns.WithLabelValues(run.TriggerSource, run.Status).Inc()
	metrics.BatchDuration.Observe(float64(run.DurationMs) / 1000)
	if r.recorder != nil {
		if err := r.recorder.RecordRun(ctx, run); err != nil {
			r.log.Warn("record run", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}
}

// RecentRuns returns the latest batch runs, newest first.
func (r *CronRunner) RecentRuns(ctx context.Context, limit int) ([]model.CronExecutionLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var out []model.CronExecutionLog
	err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
