package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/metrics"
	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/progress"
	"github.com/psds-microservice/virtual-device-service/internal/speed"
)

// HealthLevel is a health verdict, ordered healthy < degraded < critical.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

func (h HealthLevel) rank() int {
	switch h {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	}
	return 0
}

func worst(a, b HealthLevel) HealthLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// SyncStatus is how an environment's external job compares to its config.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncPending  SyncStatus = "pending"
	SyncDrift    SyncStatus = "drift"
	SyncDisabled SyncStatus = "disabled"
)

// StallFactor is how many nominal intervals an active session may stay
// silent before it counts as stalled.
const StallFactor = 3

// SessionHealth is the verdict on the latest session of one device kind.
type SessionHealth struct {
	SessionID       string              `json:"sessionId"`
	DeviceID        string              `json:"deviceId"`
	DeviceKind      model.DeviceKind    `json:"deviceKind"`
	SessionStatus   model.SessionStatus `json:"sessionStatus"`
	Health          HealthLevel         `json:"health"`
	Reason          string              `json:"reason,omitempty"`
	LastDataSentAgo string              `json:"lastDataSentAgo"`
}

// EnvironmentHealth rolls up one environment.
type EnvironmentHealth struct {
	EnvironmentID string          `json:"environmentId"`
	Name          string          `json:"name"`
	Enabled       bool            `json:"enabled"`
	SyncStatus    SyncStatus      `json:"syncStatus"`
	Health        HealthLevel     `json:"health"`
	Sessions      []SessionHealth `json:"sessions"`
}

// HealthSummary counts what the report found.
type HealthSummary struct {
	Environments   int `json:"environments"`
	ActiveSessions int `json:"activeSessions"`
	Failed         int `json:"failed"`
	Stalled        int `json:"stalled"`
	OutOfSync      int `json:"outOfSync"`
}

// HealthReport is the read-only health rollup of a user's streams.
type HealthReport struct {
	Status       HealthLevel         `json:"status"`
	CheckedAt    time.Time           `json:"checkedAt"`
	Environments []EnvironmentHealth `json:"environments"`
	Summary      HealthSummary       `json:"summary"`
}

// AlertReport is the outcome of an alert check.
type AlertReport struct {
	Created  int           `json:"created"`
	Resolved int           `json:"resolved"`
	Alerts   []model.Alert `json:"alerts"`
}

// HealthService derives stream health and raises alerts from it.
type HealthService struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewHealthService creates a health service.
func NewHealthService(db *gorm.DB, log *zap.Logger) *HealthService {
	return &HealthService{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// syncStatusOf classifies the external job of env.
func syncStatusOf(env *model.Environment) SyncStatus {
	switch {
	case env.Enabled && env.CronJobID == "":
		return SyncPending
	case env.SchedulerDrift():
		return SyncDrift
	case !env.Enabled:
		return SyncDisabled
	}
	return SyncSynced
}

// sessionHealth judges one session at now.
func sessionHealth(sess *model.StreamingSession, nominal time.Duration, now time.Time) SessionHealth {
	h := SessionHealth{
		SessionID:       sess.ID,
		DeviceID:        sess.DeviceID,
		DeviceKind:      sess.Kind(),
		SessionStatus:   sess.State(),
		Health:          HealthHealthy,
		LastDataSentAgo: progress.HumanizeAgo(sess.LastDataSentAt, now),
	}
	switch sess.State() {
	case model.SessionStatusFailed:
		h.Health = HealthCritical
		h.Reason = sess.LastErrorMessage
		if h.Reason == "" {
			h.Reason = "session failed"
		}
	case model.SessionStatusActive:
		since := sess.LastDataSentAt
		if since == nil {
			since = sess.SessionStartedAt
		}
		if since != nil {
			silent := now.Sub(*since)
			if silent > StallFactor*nominal {
				h.Health = HealthDegraded
				h.Reason = fmt.Sprintf("no data for %s (expected every %s)",
					silent.Truncate(time.Second), nominal)
			}
		}
	}
	return h
}

// GetHealthCheck judges the latest session of every environment slot of
// userID. An empty userID covers every environment.
func (s *HealthService) GetHealthCheck(ctx context.Context, userID string) (*HealthReport, error) {
	now := s.now()
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var envs []model.Environment
	if err := q.Find(&envs).Error; err != nil {
		return nil, fmt.Errorf("load environments: %w", err)
	}
	report := &HealthReport{
		Status:       HealthHealthy,
		CheckedAt:    now,
		Environments: make([]EnvironmentHealth, 0, len(envs)),
	}
	for i := range envs {
		env := &envs[i]
		var sessions []model.StreamingSession
		if err := s.db.WithContext(ctx).
			Where("environment_id = ?", env.ID).
			Order("created_at ASC").
			Find(&sessions).Error; err != nil {
			return nil, fmt.Errorf("load sessions: %w", err)
		}
		latest := map[model.DeviceKind]*model.StreamingSession{}
		for j := range sessions {
			latest[sessions[j].Kind()] = &sessions[j]
		}

		eh := EnvironmentHealth{
			EnvironmentID: env.ID,
			Name:          env.Name,
			Enabled:       env.Enabled,
			SyncStatus:    syncStatusOf(env),
			Health:        HealthHealthy,
			Sessions:      []SessionHealth{},
		}
		nominal := speed.MustLookup(env.Speed).Interval
		for _, kind := range model.Kinds {
			sess, ok := latest[kind]
			if !ok {
				continue
			}
			sh := sessionHealth(sess, nominal, now)
			eh.Sessions = append(eh.Sessions, sh)
			eh.Health = worst(eh.Health, sh.Health)
			if sess.State() == model.SessionStatusActive {
				report.Summary.ActiveSessions++
			}
			switch sh.Health {
			case HealthCritical:
				report.Summary.Failed++
			case HealthDegraded:
				report.Summary.Stalled++
			}
		}
		if eh.SyncStatus == SyncPending || eh.SyncStatus == SyncDrift {
			report.Summary.OutOfSync++
			report.Status = worst(report.Status, HealthDegraded)
		}
		report.Status = worst(report.Status, eh.Health)
		report.Environments = append(report.Environments, eh)
	}
	report.Summary.Environments = len(envs)
	return report, nil
}

type alertKey struct {
	deviceID  string
	alertType string
}

// CheckAndCreateAlerts raises stream_failed and stream_stalled alerts for
// unhealthy devices, at most one unresolved per device and type, and
// resolves alerts whose condition cleared.
func (s *HealthService) CheckAndCreateAlerts(ctx context.Context, userID string) (*AlertReport, error) {
	report, err := s.GetHealthCheck(ctx, userID)
	if err != nil {
		return nil, err
	}
	envOwner := map[string]string{}
	if userID == "" {
		var envs []model.Environment
		if err := s.db.WithContext(ctx).Select("id", "user_id").Find(&envs).Error; err != nil {
			return nil, err
		}
		for _, e := range envs {
			envOwner[e.ID] = e.UserID
		}
	}

	want := map[alertKey]model.Alert{}
	for _, eh := range report.Environments {
		for _, sh := range eh.Sessions {
			var a model.Alert
			switch sh.Health {
			case HealthCritical:
				a = model.Alert{AlertType: model.AlertStreamFailed, Severity: model.SeverityCritical,
					Message: fmt.Sprintf("%s stream in %q failed: %s", sh.DeviceKind, eh.Name, sh.Reason)}
			case HealthDegraded:
				a = model.Alert{AlertType: model.AlertStreamStalled, Severity: model.SeverityWarning,
					Message: fmt.Sprintf("%s stream in %q stalled: %s", sh.DeviceKind, eh.Name, sh.Reason)}
			default:
				continue
			}
			a.UserID = userID
			if a.UserID == "" {
				a.UserID = envOwner[eh.EnvironmentID]
			}
			a.DeviceID = sh.DeviceID
			a.EnvironmentID = eh.EnvironmentID
			want[alertKey{sh.DeviceID, a.AlertType}] = a
		}
	}

	var open []model.Alert
	q := s.db.WithContext(ctx).
		Where("resolved = ? AND alert_type IN ?", false, []string{model.AlertStreamFailed, model.AlertStreamStalled})
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&open).Error; err != nil {
		return nil, fmt.Errorf("load open alerts: %w", err)
	}
	have := map[alertKey]bool{}
	for _, a := range open {
		have[alertKey{a.DeviceID, a.AlertType}] = true
	}

	out := &AlertReport{Alerts: []model.Alert{}}
	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for k, a := range want {
			if have[k] {
				continue
			}
			a.ID = uuid.New().String()
			if err := tx.Create(&a).Error; err != nil {
				return fmt.Errorf("create alert: %w", err)
			}
			out.Created++
			out.Alerts = append(out.Alerts, a)
			metrics.AlertsCreated.WithLabelValues(a.AlertType).Inc()
		}
		for _, a := range open {
			if _, still := want[alertKey{a.DeviceID, a.AlertType}]; still {
				continue
			}
			if err := tx.Model(&model.Alert{}).Where("id = ?", a.ID).Updates(map[string]any{
				"resolved":    true,
				"resolved_at": now,
			}).Error; err != nil {
				return fmt.Errorf("resolve alert: %w", err)
			}
			out.Resolved++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Created > 0 || out.Resolved > 0 {
		s.log.Info("stream alerts updated",
			zap.String("user_id", userID),
			zap.Int("created", out.Created),
			zap.Int("resolved", out.Resolved))
	}
	return out, nil
}
