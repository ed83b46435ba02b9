package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/metrics"
	"github.com/psds-microservice/virtual-device-service/internal/model"
)

// Corrective actions taken by reconciliation.
const (
	ActionSessionCreated    = "session_created"
	ActionSessionFailed     = "session_failed"
	ActionSchedulerResynced = "scheduler_resynced"
)

// SyncAction is one correction applied to an environment.
type SyncAction struct {
	EnvironmentID string
	Action        string
	SessionID     string
	Detail        string
}

// String renders the action the way sync reports list it.
func (a SyncAction) String() string {
	out := a.Action + " environment=" + a.EnvironmentID
	if a.SessionID != "" {
		out += " session=" + a.SessionID
	}
	if a.Detail != "" {
		out += ": " + a.Detail
	}
	return out
}

// MarshalJSON encodes the action as its string form.
func (a SyncAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// SyncIssue is drift reconciliation could not heal.
type SyncIssue struct {
	EnvironmentID string
	Issue         string
}

func (i SyncIssue) String() string {
	return "environment=" + i.EnvironmentID + ": " + i.Issue
}

// MarshalJSON encodes the issue as its string form.
func (i SyncIssue) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// SyncReport is the outcome of PerformSync.
type SyncReport struct {
	Success      bool         `json:"success"`
	RunID        string       `json:"runId"`
	SyncedAt     time.Time    `json:"syncedAt"`
	Actions      []SyncAction `json:"actions"`
	Issues       []SyncIssue  `json:"issues"`
	HealthStatus HealthLevel  `json:"healthStatus"`
}

// ReconcileService heals drift between environments, sessions and the
// external scheduler.
type ReconcileService struct {
	db       *gorm.DB
	envs     *EnvironmentService
	sessions *SessionService
	health   *HealthService
	locks    *EnvLocker
	log      *zap.Logger
	now      func() time.Time
}

// NewReconcileService creates a reconciliation service.
func NewReconcileService(
	db *gorm.DB,
	envs *EnvironmentService,
	sessions *SessionService,
	health *HealthService,
	locks *EnvLocker,
	log *zap.Logger,
) *ReconcileService {
	return &ReconcileService{
		db:       db,
		envs:     envs,
		sessions: sessions,
		health:   health,
		locks:    locks,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PerformSync reconciles every environment of userID (all when empty). One
// environment failing never stops the others.
func (s *ReconcileService) PerformSync(ctx context.Context, userID, runID string) (*SyncReport, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	q := s.db.WithContext(ctx).Model(&model.Environment{}).Order("created_at ASC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}

	report := &SyncReport{
		RunID:    runID,
		SyncedAt: s.now(),
		Actions:  []SyncAction{},
		Issues:   []SyncIssue{},
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		actions, issues := s.syncEnvironment(ctx, id, runID)
		report.Actions = append(report.Actions, actions...)
		report.Issues = append(report.Issues, issues...)
	}
	for _, a := range report.Actions {
		metrics.SyncActions.WithLabelValues(a.Action).Inc()
	}
	report.Success = len(report.Issues) == 0

	health, err := s.health.GetHealthCheck(ctx, userID)
	if err != nil {
		return nil, err
	}
	report.HealthStatus = health.Status
	s.log.Info("sync finished",
		zap.String("run_id", runID),
		zap.Int("environments", len(ids)),
		zap.Int("actions", len(report.Actions)),
		zap.Int("issues", len(report.Issues)))
	return report, nil
}

func (s *ReconcileService) syncEnvironment(ctx context.Context, environmentID, runID string) ([]SyncAction, []SyncIssue) {
	unlock := s.locks.Lock(environmentID)
	defer unlock()

	issue := func(format string, args ...any) []SyncIssue {
		return []SyncIssue{{EnvironmentID: environmentID, Issue: fmt.Sprintf(format, args...)}}
	}
	env, err := loadEnvironment(ctx, s.db, "", environmentID)
	if err != nil {
		return nil, issue("load environment: %v", err)
	}

	var (
		actions []SyncAction
		logged  []*model.StreamingEventLog
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed, err := s.envs.failOrphaned(tx, env, &runID)
		if err != nil {
			return err
		}
		for _, ev := range failed {
			actions = append(actions, SyncAction{
				EnvironmentID: env.ID,
				Action:        ActionSessionFailed,
				SessionID:     ev.SessionID,
				Detail:        ev.EventDetails,
			})
		}
		logged = append(logged, failed...)
		if !env.Enabled {
			return nil
		}
		for _, kind := range model.Kinds {
			deviceID := env.DeviceIDFor(kind)
			if deviceID == "" {
				continue
			}
			var devices int64
			if err := tx.Model(&model.Device{}).Where("id = ?", deviceID).Count(&devices).Error; err != nil {
				return err
			}
			if devices == 0 {
				continue
			}
			var ever int64
			if err := tx.Model(&model.StreamingSession{}).
				Where("environment_id = ? AND device_kind = ? AND device_id = ?", env.ID, string(kind), deviceID).
				Count(&ever).Error; err != nil {
				return err
			}
			if ever > 0 {
				continue
			}
			sess, started, err := s.sessions.createSession(tx, env, kind, &runID, model.TriggerScheduler)
			if err != nil {
				return fmt.Errorf("create %s session: %w", kind, err)
			}
			logged = append(logged, started...)
			actions = append(actions, SyncAction{
				EnvironmentID: env.ID,
				Action:        ActionSessionCreated,
				SessionID:     sess.ID,
				Detail:        string(kind),
			})
		}
		return nil
	})
	if err != nil {
		return nil, issue("sessions: %v", err)
	}
	s.sessions.events.Publish(logged...)

	if env.SchedulerDrift() {
		before := fmt.Sprintf("job=%q enabled=%t speed=%q", env.CronJobID, env.CronJobEnabled, env.CronJobSpeed)
		res := s.envs.pushJob(ctx, env)
		if !res.Success {
			return actions, issue("scheduler resync failed: %s", res.Error)
		}
		actions = append(actions, SyncAction{
			EnvironmentID: env.ID,
			Action:        ActionSchedulerResynced,
			Detail:        before,
		})
	}
	return actions, nil
}
