package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/errs"
	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/scheduler"
	"github.com/psds-microservice/virtual-device-service/internal/speed"
)

// EnvironmentServicer is the environment API used by HTTP handlers.
type EnvironmentServicer interface {
	Create(ctx context.Context, userID string, req model.CreateEnvironmentRequest) (*model.EnvironmentView, error)
	Get(ctx context.Context, userID, environmentID string) (*model.EnvironmentView, error)
	List(ctx context.Context, userID string) ([]model.EnvironmentView, error)
	Update(ctx context.Context, userID, environmentID string, req model.UpdateEnvironmentRequest) (*model.EnvironmentView, error)
	SetEnabled(ctx context.Context, userID, environmentID string, enabled bool) (*model.EnvironmentView, error)
	Delete(ctx context.Context, userID, environmentID string) error
}

// EnvironmentService owns environment configuration and keeps the external
// job in line with it.
type EnvironmentService struct {
	db       *gorm.DB
	sched    scheduler.Adapter
	sessions *SessionService
	hub      *StreamHub
	locks    *EnvLocker
	log      *zap.Logger
	now      func() time.Time
}

// NewEnvironmentService creates an environment service. hub may be nil.
func NewEnvironmentService(
	db *gorm.DB,
	sched scheduler.Adapter,
	sessions *SessionService,
	hub *StreamHub,
	locks *EnvLocker,
	log *zap.Logger,
) *EnvironmentService {
	return &EnvironmentService{
		db:       db,
		sched:    sched,
		sessions: sessions,
		hub:      hub,
		locks:    locks,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new, disabled environment.
func (s *EnvironmentService) Create(ctx context.Context, userID string, req model.CreateEnvironmentRequest) (*model.EnvironmentView, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", errs.ErrValidation)
	}
	sp := req.Speed
	if sp == "" {
		sp = speed.DefaultName
	}
	if _, err := speed.Lookup(sp); err != nil {
		return nil, err
	}
	env := &model.Environment{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   name,
		Speed:  sp,
	}
	if err := s.bindDevice(ctx, env, model.KindFish, req.FishDeviceID); err != nil {
		return nil, err
	}
	if err := s.bindDevice(ctx, env, model.KindPlant, req.PlantDeviceID); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(env).Error; err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}
	s.log.Info("environment created", zap.String("environment_id", env.ID), zap.String("user_id", userID))
	view := model.EnvironmentFromEntity(env)
	return &view, nil
}

// bindDevice validates and assigns the slot of kind. nil leaves the slot
// alone, an empty id clears it.
func (s *EnvironmentService) bindDevice(ctx context.Context, env *model.Environment, kind model.DeviceKind, deviceID *string) error {
	if deviceID == nil {
		return nil
	}
	slot := &env.FishDeviceID
	if kind == model.KindPlant {
		slot = &env.PlantDeviceID
	}
	id := strings.TrimSpace(*deviceID)
	if id == "" {
		*slot = nil
		return nil
	}
	var dev model.Device
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&dev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.ErrDeviceNotFound
		}
		return err
	}
	if dev.UserID != env.UserID {
		return errs.ErrNotOwner
	}
	if model.DeviceKind(dev.Kind) != kind {
		return errs.ErrDeviceKindMismatch
	}
	*slot = &id
	return nil
}

// Get returns one environment.
func (s *EnvironmentService) Get(ctx context.Context, userID, environmentID string) (*model.EnvironmentView, error) {
	env, err := loadEnvironment(ctx, s.db, userID, environmentID)
	if err != nil {
		return nil, err
	}
	view := model.EnvironmentFromEntity(env)
	return &view, nil
}

// List returns the caller's environments, oldest first.
func (s *EnvironmentService) List(ctx context.Context, userID string) ([]model.EnvironmentView, error) {
	var ents []model.Environment
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&ents).Error; err != nil {
		return nil, err
	}
	out := make([]model.EnvironmentView, 0, len(ents))
	for i := range ents {
		out = append(out, model.EnvironmentFromEntity(&ents[i]))
	}
	return out, nil
}

// Update changes name, speed or device bindings. Sessions left without their
// device are failed; a provider failure leaves drift for reconciliation.
func (s *EnvironmentService) Update(ctx context.Context, userID, environmentID string, req model.UpdateEnvironmentRequest) (*model.EnvironmentView, error) {
	unlock := s.locks.Lock(environmentID)
	defer unlock()

	env, err := loadEnvironment(ctx, s.db, userID, environmentID)
	if err != nil {
		return nil, err
	}
	jobChanged := false
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name != "" && name != env.Name {
			env.Name = name
			jobChanged = true
		}
	}
	if req.Speed != nil && *req.Speed != env.Speed {
		if _, err := speed.Lookup(*req.Speed); err != nil {
			return nil, err
		}
		env.Speed = *req.Speed
		jobChanged = true
	}
	if err := s.bindDevice(ctx, env, model.KindFish, req.FishDeviceID); err != nil {
		return nil, err
	}
	if err := s.bindDevice(ctx, env, model.KindPlant, req.PlantDeviceID); err != nil {
		return nil, err
	}

	var logged []*model.StreamingEventLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(env).Select("name", "speed", "fish_device_id", "plant_device_id").Updates(env).Error; err != nil {
			return err
		}
		var err error
		logged, err = s.failOrphaned(tx, env, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.sessions.events.Publish(logged...)

	if jobChanged && env.CronJobID != "" {
		s.pushJob(ctx, env)
	}
	view := model.EnvironmentFromEntity(env)
	return &view, nil
}

// failOrphaned fails live sessions whose device is no longer bound to their
// slot or no longer exists.
func (s *EnvironmentService) failOrphaned(tx *gorm.DB, env *model.Environment, runID *string) ([]*model.StreamingEventLog, error) {
	var live []model.StreamingSession
	if err := tx.Where("environment_id = ? AND status IN ?", env.ID, model.LiveStatuses()).Find(&live).Error; err != nil {
		return nil, err
	}
	var logged []*model.StreamingEventLog
	for i := range live {
		sess := &live[i]
		reason := ""
		if env.DeviceIDFor(sess.Kind()) != sess.DeviceID {
			reason = "device unassigned from environment"
		} else {
			var n int64
			if err := tx.Model(&model.Device{}).Where("id = ?", sess.DeviceID).Count(&n).Error; err != nil {
				return nil, err
			}
			if n == 0 {
				reason = "device no longer exists"
			}
		}
		if reason == "" {
			continue
		}
		ev, err := s.sessions.failSession(tx, sess, reason, runID)
		if err != nil {
			return nil, err
		}
		logged = append(logged, ev)
	}
	return logged, nil
}

// pushJob syncs the external job with env and records what the provider
// confirmed. It reports whether the provider accepted the change.
func (s *EnvironmentService) pushJob(ctx context.Context, env *model.Environment) scheduler.Result {
	res := s.sched.SyncJob(ctx, env.ID, env.Name, env.CronJobID, env.Speed, env.Enabled)
	if !res.Success {
		s.log.Warn("scheduler sync failed, drift left for reconciliation",
			zap.String("environment_id", env.ID),
			zap.String("error", res.Error))
		return res
	}
	now := s.now()
	env.CronJobID = res.JobID
	env.CronJobURL = s.sched.CallbackURL(env.ID)
	env.CronJobEnabled = env.Enabled
	env.CronJobSpeed = env.Speed
	env.CronLastSyncedAt = &now
	if err := s.saveJobState(ctx, s.db, env); err != nil {
		s.log.Error("persist scheduler state", zap.String("environment_id", env.ID), zap.Error(err))
	}
	return res
}

func (s *EnvironmentService) saveJobState(ctx context.Context, db *gorm.DB, env *model.Environment) error {
	return db.WithContext(ctx).Model(env).
		Select("enabled", "cron_job_id", "cron_job_url", "cron_job_enabled", "cron_job_speed", "cron_last_synced_at").
		Updates(env).Error
}

// SetEnabled turns streaming on or off. Enabling requires the provider to
// confirm the job; disabling always succeeds locally.
func (s *EnvironmentService) SetEnabled(ctx context.Context, userID, environmentID string, enabled bool) (*model.EnvironmentView, error) {
	unlock := s.locks.Lock(environmentID)
	defer unlock()

	env, err := loadEnvironment(ctx, s.db, userID, environmentID)
	if err != nil {
		return nil, err
	}
	if enabled {
		env.Enabled = true
		res := s.pushJob(ctx, env)
		if !res.Success {
			return nil, fmt.Errorf("%w: %s", errs.ErrSchedulerUnavailable, res.Error)
		}
	} else {
		env.Enabled = false
		if env.CronJobID != "" {
			res := s.sched.ToggleJob(ctx, env.CronJobID, false)
			if res.Success {
				now := s.now()
				env.CronJobEnabled = false
				env.CronLastSyncedAt = &now
			} else {
				s.log.Warn("scheduler disable failed, drift left for reconciliation",
					zap.String("environment_id", env.ID),
					zap.String("error", res.Error))
			}
		}
		if err := s.saveJobState(ctx, s.db, env); err != nil {
			return nil, err
		}
	}
	s.log.Info("environment toggled", zap.String("environment_id", env.ID), zap.Bool("enabled", enabled))
	view := model.EnvironmentFromEntity(env)
	return &view, nil
}

// Delete removes the external job, fails live sessions and deletes the
// environment with everything recorded under it.
func (s *EnvironmentService) Delete(ctx context.Context, userID, environmentID string) error {
	unlock := s.locks.Lock(environmentID)
	defer unlock()

	env, err := loadEnvironment(ctx, s.db, userID, environmentID)
	if err != nil {
		return err
	}
	if env.CronJobID != "" {
		if res := s.sched.DeleteJob(ctx, env.CronJobID); !res.Success {
			return fmt.Errorf("%w: %s", errs.ErrSchedulerUnavailable, res.Error)
		}
	}
	var logged []*model.StreamingEventLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live []model.StreamingSession
		if err := tx.Where("environment_id = ? AND status IN ?", env.ID, model.LiveStatuses()).Find(&live).Error; err != nil {
			return err
		}
		for i := range live {
			ev, err := s.sessions.failSession(tx, &live[i], "environment deleted", nil)
			if err != nil {
				return err
			}
			logged = append(logged, ev)
		}
		ids := tx.Model(&model.StreamingSession{}).Select("id").Where("environment_id = ?", env.ID)
		if err := tx.Where("session_id IN (?)", ids).Delete(&model.SessionReading{}).Error; err != nil {
			return err
		}
		if err := tx.Where("environment_id = ?", env.ID).Delete(&model.StreamingEventLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("environment_id = ?", env.ID).Delete(&model.StreamingSession{}).Error; err != nil {
			return err
		}
		return tx.Delete(env).Error
	})
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	// Subscribers see the final failures before the stream closes.
	s.sessions.events.Publish(logged...)
	if s.hub != nil {
		s.hub.CloseEnvironment(env.ID)
	}
	s.log.Info("environment deleted", zap.String("environment_id", env.ID))
	return nil
}
