package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/config"
	"github.com/psds-microservice/virtual-device-service/internal/dataset"
	"github.com/psds-microservice/virtual-device-service/internal/errs"
	"github.com/psds-microservice/virtual-device-service/internal/metrics"
	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/progress"
	"github.com/psds-microservice/virtual-device-service/internal/speed"
	"github.com/psds-microservice/virtual-device-service/internal/telemetry"
)

// ReplaySource is the recorded data a session replays.
type ReplaySource interface {
	Len(kind model.DeviceKind) int
	Next(kind model.DeviceKind, index int) (dataset.Reading, error)
}

// SessionView is a session together with its derived progress.
type SessionView struct {
	Session  model.Session     `json:"session"`
	Progress progress.Progress `json:"progress"`
}

// TickResult describes what one tick did to one session.
type TickResult struct {
	SessionID     string              `json:"sessionId"`
	EnvironmentID string              `json:"environmentId"`
	DeviceKind    model.DeviceKind    `json:"deviceKind"`
	Status        model.SessionStatus `json:"status"`
	RowIndex      int                 `json:"rowIndex"`
	Sent          bool                `json:"sent"`
	Completed     bool                `json:"completed"`
	Error         string              `json:"error,omitempty"`
}

// SessionServicer is the session API used by HTTP handlers.
type SessionServicer interface {
	Start(ctx context.Context, userID, environmentID string, kind model.DeviceKind) (*SessionView, error)
	Pause(ctx context.Context, userID, sessionID string) (*SessionView, error)
	Resume(ctx context.Context, userID, sessionID string) (*SessionView, error)
	Reset(ctx context.Context, userID, sessionID string, retainData bool) (*SessionView, error)
	ManualTick(ctx context.Context, userID, sessionID string) (*TickResult, *SessionView, error)
	Get(ctx context.Context, userID, sessionID string) (*SessionView, error)
	ListByEnvironment(ctx context.Context, userID, environmentID string) ([]SessionView, error)
	Events(ctx context.Context, userID, sessionID string, limit int) ([]model.EventLogEntry, error)
}

// SessionService runs the session state machine.
type SessionService struct {
	db      *gorm.DB
	cfg     *config.Config
	source  ReplaySource
	emitter telemetry.Emitter
	events  *EventLogger
	locks   *EnvLocker
	log     *zap.Logger
	now     func() time.Time
}

// NewSessionService creates a session service.
func NewSessionService(
	db *gorm.DB,
	cfg *config.Config,
	source ReplaySource,
	emitter telemetry.Emitter,
	events *EventLogger,
	locks *EnvLocker,
	log *zap.Logger,
) *SessionService {
	return &SessionService{
		db:      db,
		cfg:     cfg,
		source:  source,
		emitter: emitter,
		events:  events,
		locks:   locks,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SessionService) maxConsecutiveErrors() int {
	if s.cfg.MaxConsecutiveErrors > 0 {
		return s.cfg.MaxConsecutiveErrors
	}
	return 5
}

func (s *SessionService) emitTimeout() time.Duration {
	if s.cfg.Telemetry.Timeout > 0 {
		return s.cfg.Telemetry.Timeout
	}
	return 8 * time.Second
}

// A claim outlives the emission it guards by a fixed margin.
func (s *SessionService) leaseTTL() time.Duration {
	return s.emitTimeout() + 5*time.Second
}

// Start creates and activates a session for the device bound to kind.
func (s *SessionService) Start(ctx context.Context, userID, environmentID string, kind model.DeviceKind) (*SessionView, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", errs.ErrInvalidKind, kind)
	}
	unlock := s.locks.Lock(environmentID)
	defer unlock()

	env, err := loadEnvironment(ctx, s.db, userID, environmentID)
	if err != nil {
		return nil, err
	}
	var (
		ent    *model.StreamingSession
		logged []*model.StreamingEventLog
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ent, logged, err = s.createSession(tx, env, kind, nil, model.TriggerManual)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(logged...)
	s.log.Info("session started",
		zap.String("session_id", ent.ID),
		zap.String("environment_id", env.ID),
		zap.String("device_kind", string(kind)))
	return s.view(ent, env), nil
}

// createSession inserts a pending session at row 0 and activates it.
func (s *SessionService) createSession(
	tx *gorm.DB,
	env *model.Environment,
	kind model.DeviceKind,
	runID *string,
	trigger string,
) (*model.StreamingSession, []*model.StreamingEventLog, error) {
	deviceID := env.DeviceIDFor(kind)
	if deviceID == "" {
		return nil, nil, errs.ErrNoDeviceAssigned
	}
	var dev model.Device
	if err := tx.Where("id = ?", deviceID).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errs.ErrDeviceNotFound
		}
		return nil, nil, err
	}
	if model.DeviceKind(dev.Kind) != kind {
		return nil, nil, errs.ErrDeviceKindMismatch
	}
	var live int64
	if err := tx.Model(&model.StreamingSession{}).
		Where("environment_id = ? AND device_kind = ? AND status IN ?", env.ID, string(kind), model.LiveStatuses()).
		Count(&live).Error; err != nil {
		return nil, nil, err
	}
	if live > 0 {
		return nil, nil, errs.ErrSessionAlreadyActive
	}

	ent := &model.StreamingSession{
		ID:            uuid.New().String(),
		EnvironmentID: env.ID,
		DeviceID:      deviceID,
		DeviceKind:    string(kind),
		Status:        string(model.SessionStatusPending),
		TotalRows:     s.source.Len(kind),
	}
	if err := tx.Create(ent).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, errs.ErrSessionAlreadyActive
		}
		return nil, nil, fmt.Errorf("create session: %w", err)
	}

	now := s.now()
	sp := speed.MustLookup(env.Speed)
	eta := progress.ExpectedCompletion(ent.TotalRows, 0, sp.Interval, now)
	if err := transition(tx, ent, model.SessionStatusActive, map[string]any{
		"session_started_at":     now,
		"expected_completion_at": eta,
	}); err != nil {
		return nil, nil, err
	}
	ent.SessionStartedAt = &now
	ent.ExpectedCompletionAt = &eta

	ev, err := s.events.Record(tx, Event{
		SessionID:     ent.ID,
		EnvironmentID: env.ID,
		Type:          model.EventSessionStarted,
		RunID:         runID,
		Details: map[string]any{
			"deviceId":  deviceID,
			"totalRows": ent.TotalRows,
			"speed":     sp.Name,
			"trigger":   trigger,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return ent, []*model.StreamingEventLog{ev}, nil
}

// transition moves ent to `to` if the state machine allows it and the row is
// still in the status ent was read with.
func transition(tx *gorm.DB, ent *model.StreamingSession, to model.SessionStatus, extra map[string]any) error {
	from := ent.State()
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, from, to)
	}
	updates := map[string]any{"status": string(to)}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&model.StreamingSession{}).
		Where("id = ? AND status = ?", ent.ID, string(from)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s is no longer %s", errs.ErrInvalidTransition, ent.ID, from)
	}
	ent.Status = string(to)
	metrics.SessionTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// Tick advances an active session by one row. Telemetry failures are recorded
// on the session and reported in the result, not as an error.
func (s *SessionService) Tick(ctx context.Context, sessionID string, runID *string) (*TickResult, error) {
	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	ent, err := loadSession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	res := &TickResult{
		SessionID:     ent.ID,
		EnvironmentID: ent.EnvironmentID,
		DeviceKind:    ent.Kind(),
		Status:        ent.State(),
		RowIndex:      ent.LastRowSent,
	}
	if ent.State() != model.SessionStatusActive {
		metrics.TicksTotal.WithLabelValues(ent.DeviceKind, metrics.OutcomeRejected).Inc()
		return nil, fmt.Errorf("%w: status %s", errs.ErrSessionNotActive, ent.Status)
	}
	if ent.LastRowSent >= ent.TotalRows {
		return s.completeExhausted(ctx, ent, runID, res)
	}

	var env model.Environment
	if err := s.db.WithContext(ctx).Where("id = ?", ent.EnvironmentID).First(&env).Error; err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	claimed := ent.LastRowSent
	if err := s.claim(ctx, ent); err != nil {
		return nil, err
	}

	payload, emitErr := s.emit(ctx, ent)
	switch {
	case errors.Is(emitErr, dataset.ErrEndOfDataset):
		s.release(ctx, ent.ID)
		return s.completeExhausted(ctx, ent, runID, res)
	case emitErr != nil:
		return s.recordFailure(ctx, ent, claimed, runID, res, emitErr)
	}
	return s.recordSuccess(ctx, ent, &env, claimed, payload, runID, res)
}

func (s *SessionService) claim(ctx context.Context, ent *model.StreamingSession) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&model.StreamingSession{}).
		Where("id = ? AND status = ? AND last_row_sent = ?", ent.ID, string(model.SessionStatusActive), ent.LastRowSent).
		Where("(tick_lease_until IS NULL OR tick_lease_until < ?)", now).
		Update("tick_lease_until", now.Add(s.leaseTTL()))
	if res.Error != nil {
		return fmt.Errorf("claim session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.TicksTotal.WithLabelValues(ent.DeviceKind, metrics.OutcomeRejected).Inc()
		return errs.ErrTickInProgress
	}
	return nil
}

func (s *SessionService) release(ctx context.Context, sessionID string) {
	err := s.db.WithContext(ctx).Model(&model.StreamingSession{}).
		Where("id = ?", sessionID).
		Update("tick_lease_until", nil).Error
	if err != nil {
		s.log.Warn("release tick claim", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *SessionService) emit(ctx context.Context, ent *model.StreamingSession) (*telemetry.Payload, error) {
	var dev model.Device
	if err := s.db.WithContext(ctx).Where("id = ?", ent.DeviceID).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrDeviceNotFound
		}
		return nil, err
	}
	reading, err := s.source.Next(ent.Kind(), ent.LastRowSent)
	if err != nil {
		return nil, err
	}
	sentAt := s.now()
	p := &telemetry.Payload{
		APIKey:      dev.APIKey,
		DeviceMAC:   dev.MAC,
		ReadingType: string(ent.Kind()),
		Readings:    make([]telemetry.Measurement, 0, len(reading.Values)),
	}
	for _, v := range reading.Values {
		p.Readings = append(p.Readings, telemetry.Measurement{
			Type:      v.Type,
			Value:     v.Value,
			Unit:      v.Unit,
			Timestamp: sentAt,
		})
	}
	emitCtx, cancel := context.WithTimeout(ctx, s.emitTimeout())
	defer cancel()
	if _, err := s.emitter.Emit(emitCtx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SessionService) recordSuccess(
	ctx context.Context,
	ent *model.StreamingSession,
	env *model.Environment,
	claimed int,
	payload *telemetry.Payload,
	runID *string,
	res *TickResult,
) (*TickResult, error) {
	now := s.now()
	next := claimed + 1
	completing := next >= ent.TotalRows

	// ETA from the interval observed including this reading.
	after := *ent
	if after.FirstDataSentAt == nil {
		after.FirstDataSentAt = &now
	}
	after.LastDataSentAt = &now
	after.RowsStreamed++
	after.PausedMs += after.PendingPauseMs
	after.PendingPauseMs = 0
	interval := progress.AverageInterval(&after, speed.MustLookup(env.Speed).Interval)

	updates := map[string]any{
		"last_row_sent":          next,
		"rows_streamed":          gorm.Expr("rows_streamed + 1"),
		"last_data_sent_at":      now,
		"first_data_sent_at":     gorm.Expr("COALESCE(first_data_sent_at, ?)", now),
		"consecutive_errors":     0,
		"paused_ms":              gorm.Expr("paused_ms + pending_pause_ms"),
		"pending_pause_ms":       0,
		"tick_lease_until":       nil,
		"expected_completion_at": progress.ExpectedCompletion(ent.TotalRows, next, interval, now),
	}
	body, _ := json.Marshal(payload.Readings)

	var (
		logged        []*model.StreamingEventLog
		pausedMidTick bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		active := map[string]any{}
		for k, v := range updates {
			active[k] = v
		}
		if completing {
			active["status"] = string(model.SessionStatusCompleted)
		}
		r := tx.Model(&model.StreamingSession{}).
			Where("id = ? AND last_row_sent = ? AND status = ?", ent.ID, claimed, string(model.SessionStatusActive)).
			Updates(active)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			// Paused while the reading was in flight: count it, leave the status.
			completing = false
			pausedMidTick = true
			r = tx.Model(&model.StreamingSession{}).
				Where("id = ? AND last_row_sent = ? AND status = ?", ent.ID, claimed, string(model.SessionStatusPaused)).
				Updates(updates)
			if r.Error != nil {
				return r.Error
			}
			if r.RowsAffected == 0 {
				return errs.ErrTickInProgress
			}
		}
		if err := tx.Create(&model.SessionReading{
			ID:          uuid.New().String(),
			SessionID:   ent.ID,
			RowIndex:    claimed,
			ReadingType: payload.ReadingType,
			Payload:     string(body),
			SentAt:      now,
		}).Error; err != nil {
			return fmt.Errorf("record reading: %w", err)
		}
		ev, err := s.events.Record(tx, Event{
			SessionID:     ent.ID,
			EnvironmentID: ent.EnvironmentID,
			Type:          model.EventDataSent,
			RunID:         runID,
			Details:       map[string]any{"row": claimed, "readings": len(payload.Readings)},
		})
		if err != nil {
			return err
		}
		logged = append(logged, ev)
		if completing {
			metrics.SessionTransitions.WithLabelValues(string(model.SessionStatusCompleted)).Inc()
			ev, err := s.events.Record(tx, Event{
				SessionID:     ent.ID,
				EnvironmentID: ent.EnvironmentID,
				Type:          model.EventSessionCompleted,
				RunID:         runID,
				Details:       map[string]any{"rowsStreamed": ent.RowsStreamed + 1, "totalRows": ent.TotalRows},
			})
			if err != nil {
				return err
			}
			logged = append(logged, ev)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrTickInProgress) {
			s.log.Warn("tick superseded after emission",
				zap.String("session_id", ent.ID),
				zap.Int("row", claimed))
		}
		return nil, err
	}
	s.events.Publish(logged...)
	metrics.TicksTotal.WithLabelValues(ent.DeviceKind, metrics.OutcomeSent).Inc()

	res.Sent = true
	res.RowIndex = claimed
	res.Status = model.SessionStatusActive
	if pausedMidTick {
		res.Status = model.SessionStatusPaused
	}
	if completing {
		res.Completed = true
		res.Status = model.SessionStatusCompleted
		metrics.TicksTotal.WithLabelValues(ent.DeviceKind, metrics.OutcomeComplete).Inc()
		s.log.Info("session completed", zap.String("session_id", ent.ID), zap.Int("rows", ent.TotalRows))
	}
	return res, nil
}

func (s *SessionService) recordFailure(
	ctx context.Context,
	ent *model.StreamingSession,
	claimed int,
	runID *string,
	res *TickResult,
	cause error,
) (*TickResult, error) {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	var (
		fresh  model.StreamingSession
		logged []*model.StreamingEventLog
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Model(&model.StreamingSession{}).
			Where("id = ? AND last_row_sent = ?", ent.ID, claimed).
			Updates(map[string]any{
				"error_count":        gorm.Expr("error_count + 1"),
				"consecutive_errors": gorm.Expr("consecutive_errors + 1"),
				"last_error_message": msg,
				"tick_lease_until":   nil,
			})
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return errs.ErrTickInProgress
		}
		if err := tx.Where("id = ?", ent.ID).First(&fresh).Error; err != nil {
			return err
		}
		ev, err := s.events.Record(tx, Event{
			SessionID:     ent.ID,
			EnvironmentID: ent.EnvironmentID,
			Type:          model.EventErrorOccurred,
			RunID:         runID,
			Details: map[string]any{
				"row":               claimed,
				"error":             msg,
				"consecutiveErrors": fresh.ConsecutiveErrors,
			},
		})
		if err != nil {
			return err
		}
		logged = append(logged, ev)
		if fresh.ConsecutiveErrors < s.maxConsecutiveErrors() || fresh.State() != model.SessionStatusActive {
			return nil
		}
		if err := transition(tx, &fresh, model.SessionStatusFailed, nil); err != nil {
			return err
		}
		ev, err = s.events.Record(tx, Event{
			SessionID:     ent.ID,
			EnvironmentID: ent.EnvironmentID,
			Type:          model.EventSessionFailed,
			RunID:         runID,
			Details:       map[string]any{"reason": "too many consecutive errors", "lastError": msg},
		})
		if err != nil {
			return err
		}
		logged = append(logged, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(logged...)
	metrics.TicksTotal.WithLabelValues(ent.DeviceKind, metrics.OutcomeFailed).Inc()
	s.log.Warn("tick emission failed",
		zap.String("session_id", ent.ID),
		zap.Int("row", claimed),
		zap.Int("consecutive_errors", fresh.ConsecutiveErrors),
		zap.Error(cause))

	res.Error = msg
	res.Status = fresh.State()
	return res, nil
}

// completeExhausted finishes a session whose dataset ran out without emitting.
func (s *SessionService) completeExhausted(ctx context.Context, ent *model.StreamingSession, runID *string, res *TickResult) (*TickResult, error) {
	var ev *model.StreamingEventLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, ent, model.SessionStatusCompleted, map[string]any{"tick_lease_until": nil}); err != nil {
			if errors.Is(err, errs.ErrInvalidTransition) {
				return errs.ErrSessionNotActive
			}
			return err
		}
		var err error
		ev, err = s.events.Record(tx, Event{
			SessionID:     ent.ID,
			EnvironmentID: ent.EnvironmentID,
			Type:          model.EventSessionCompleted,
			RunID:         runID,
			Details:       map[string]any{"rowsStreamed": ent.RowsStreamed, "totalRows": ent.TotalRows},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ev)
	metrics.TicksTotal.WithLabelValues(ent.DeviceKind, metrics.OutcomeComplete).Inc()
	res.Completed = true
	res.Status = model.SessionStatusCompleted
	return res, nil
}

// Pause stops an active session from advancing. Counters are untouched.
func (s *SessionService) Pause(ctx context.Context, userID, sessionID string) (*SessionView, error) {
	return s.control(ctx, userID, sessionID, func(tx *gorm.DB, ent *model.StreamingSession, env *model.Environment) (*model.StreamingEventLog, error) {
		now := s.now()
		if err := transition(tx, ent, model.SessionStatusPaused, map[string]any{"paused_at": now}); err != nil {
			return nil, err
		}
		ent.PausedAt = &now
		return s.events.Record(tx, Event{
			SessionID:     ent.ID,
			EnvironmentID: ent.EnvironmentID,
			Type:          model.EventSessionPaused,
			Details:       map[string]any{"row": ent.LastRowSent},
		})
	})
}

// Resume reactivates a paused session and re-estimates its completion.
func (s *SessionService) Resume(ctx context.Context, userID, sessionID string) (*SessionView, error) {
	return s.control(ctx, userID, sessionID, func(tx *gorm.DB, ent *model.StreamingSession, env *model.Environment) (*model.StreamingEventLog, error) {
		if ent.State() != model.SessionStatusPaused {
			return nil, fmt.Errorf("%w: status %s", errs.ErrCannotResume, ent.Status)
		}
		now := s.now()
		// The pause lies after the last reading; it joins PausedMs once the
		// next reading brings it inside the observed window.
		pending := ent.PendingPauseMs
		if ent.PausedAt != nil && ent.FirstDataSentAt != nil {
			pending += now.Sub(*ent.PausedAt).Milliseconds()
		}
		interval := progress.AverageInterval(ent, speed.MustLookup(env.Speed).Interval)
		eta := progress.ExpectedCompletion(ent.TotalRows, ent.LastRowSent, interval, now)
		if err := transition(tx, ent, model.SessionStatusActive, map[string]any{
			"paused_at":              nil,
			"pending_pause_ms":       pending,
			"expected_completion_at": eta,
		}); err != nil {
			return nil, err
		}
		ent.PendingPauseMs = pending
		ent.PausedAt = nil
		ent.ExpectedCompletionAt = &eta
		return s.events.Record(tx, Event{
			SessionID:     ent.ID,
			EnvironmentID: ent.EnvironmentID,
			Type:          model.EventSessionResumed,
			Details:       map[string]any{"row": ent.LastRowSent, "speed": env.Speed},
		})
	})
}

type controlFunc func(tx *gorm.DB, ent *model.StreamingSession, env *model.Environment) (*model.StreamingEventLog, error)

func (s *SessionService) control(ctx context.Context, userID, sessionID string, fn controlFunc) (*SessionView, error) {
	ent, env, err := loadOwnedSession(ctx, s.db, userID, sessionID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(env.ID)
	defer unlock()

	var ev *model.StreamingEventLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", sessionID).First(ent).Error; err != nil {
			return err
		}
		var err error
		ev, err = fn(tx, ent, env)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ev)
	return s.view(ent, env), nil
}

// Reset supersedes a session with a fresh one at row 0. A live old session is
// failed; with retainData false its readings and events are purged.
func (s *SessionService) Reset(ctx context.Context, userID, sessionID string, retainData bool) (*SessionView, error) {
	old, env, err := loadOwnedSession(ctx, s.db, userID, sessionID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(env.ID)
	defer unlock()

	var (
		fresh  *model.StreamingSession
		logged []*model.StreamingEventLog
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", sessionID).First(old).Error; err != nil {
			return err
		}
		previous := old.State()
		if !previous.Terminal() {
			if err := transition(tx, old, model.SessionStatusFailed, map[string]any{
				"tick_lease_until":   nil,
				"last_error_message": "superseded by reset",
			}); err != nil {
				return err
			}
		}
		if !retainData {
			if err := tx.Where("session_id = ?", old.ID).Delete(&model.SessionReading{}).Error; err != nil {
				return fmt.Errorf("purge readings: %w", err)
			}
			if err := s.events.Purge(tx, old.ID); err != nil {
				return fmt.Errorf("purge events: %w", err)
			}
		}
		var err error
		var started []*model.StreamingEventLog
		fresh, started, err = s.createSession(tx, env, old.Kind(), nil, model.TriggerManual)
		if err != nil {
			return err
		}
		// A purged session keeps no rows, so its reset is audited on the new one.
		audit := Event{
			SessionID:     old.ID,
			EnvironmentID: env.ID,
			Type:          model.EventSessionReset,
			Details: map[string]any{
				"previousStatus": previous,
				"retainData":     retainData,
				"newSessionId":   fresh.ID,
			},
		}
		if !retainData {
			audit.SessionID = fresh.ID
			audit.Details = map[string]any{
				"previousSessionId": old.ID,
				"previousStatus":    previous,
				"retainData":        false,
			}
		}
		ev, err := s.events.Record(tx, audit)
		if err != nil {
			return err
		}
		logged = append([]*model.StreamingEventLog{ev}, started...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(logged...)
	s.log.Info("session reset",
		zap.String("session_id", old.ID),
		zap.String("new_session_id", fresh.ID),
		zap.Bool("retain_data", retainData))
	return s.view(fresh, env), nil
}

// ManualTick ticks a session on behalf of its owner.
func (s *SessionService) ManualTick(ctx context.Context, userID, sessionID string) (*TickResult, *SessionView, error) {
	if _, _, err := loadOwnedSession(ctx, s.db, userID, sessionID); err != nil {
		return nil, nil, err
	}
	res, err := s.Tick(ctx, sessionID, nil)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return res, view, nil
}

// Get returns a session with its progress.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*SessionView, error) {
	ent, env, err := loadOwnedSession(ctx, s.db, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.view(ent, env), nil
}

// ListByEnvironment returns every session of an environment, newest first.
func (s *SessionService) ListByEnvironment(ctx context.Context, userID, environmentID string) ([]SessionView, error) {
	env, err := loadEnvironment(ctx, s.db, userID, environmentID)
	if err != nil {
		return nil, err
	}
	var ents []model.StreamingSession
	if err := s.db.WithContext(ctx).
		Where("environment_id = ?", env.ID).
		Order("created_at DESC").
		Find(&ents).Error; err != nil {
		return nil, err
	}
	out := make([]SessionView, 0, len(ents))
	for i := range ents {
		out = append(out, *s.view(&ents[i], env))
	}
	return out, nil
}

// Events returns the newest events of a session first.
func (s *SessionService) Events(ctx context.Context, userID, sessionID string, limit int) ([]model.EventLogEntry, error) {
	if _, _, err := loadOwnedSession(ctx, s.db, userID, sessionID); err != nil {
		return nil, err
	}
	ents, err := s.events.List(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.EventLogEntry, 0, len(ents))
	for i := range ents {
		out = append(out, model.EventFromEntity(&ents[i]))
	}
	return out, nil
}

func (s *SessionService) view(ent *model.StreamingSession, env *model.Environment) *SessionView {
	return &SessionView{
		Session:  model.SessionFromEntity(ent),
		Progress: progress.Compute(ent, speed.MustLookup(env.Speed).Interval, s.now()),
	}
}

// failSession fails a live session outside the tick path and logs why.
func (s *SessionService) failSession(tx *gorm.DB, ent *model.StreamingSession, reason string, runID *string) (*model.StreamingEventLog, error) {
	if err := transition(tx, ent, model.SessionStatusFailed, map[string]any{
		"tick_lease_until":   nil,
		"last_error_message": reason,
	}); err != nil {
		return nil, err
	}
	return s.events.Record(tx, Event{
		SessionID:     ent.ID,
		EnvironmentID: ent.EnvironmentID,
		Type:          model.EventSessionFailed,
		RunID:         runID,
		Details:       map[string]any{"reason": reason},
	})
}

func loadEnvironment(ctx context.Context, db *gorm.DB, userID, environmentID string) (*model.Environment, error) {
	var env model.Environment
	if err := db.WithContext(ctx).Where("id = ?", environmentID).First(&env).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrEnvironmentNotFound
		}
		return nil, err
	}
	if userID != "" && env.UserID != userID {
		return nil, errs.ErrNotOwner
	}
	return &env, nil
}

func loadSession(ctx context.Context, db *gorm.DB, sessionID string) (*model.StreamingSession, error) {
	var ent model.StreamingSession
	if err := db.WithContext(ctx).Where("id = ?", sessionID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrSessionNotFound
		}
		return nil, err
	}
	return &ent, nil
}

func loadOwnedSession(ctx context.Context, db *gorm.DB, userID, sessionID string) (*model.StreamingSession, *model.Environment, error) {
	ent, err := loadSession(ctx, db, sessionID)
	if err != nil {
		return nil, nil, err
	}
	env, err := loadEnvironment(ctx, db, userID, ent.EnvironmentID)
	if err != nil {
		if errors.Is(err, errs.ErrEnvironmentNotFound) {
			return nil, nil, errs.ErrSessionNotFound
		}
		return nil, nil, err
	}
	return ent, env, nil
}
