package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

// Event is one lifecycle or error record to append.
type Event struct {
	SessionID     string
	EnvironmentID string
	Type          string
	Details       any // encoded as JSON; a string is stored as-is
	RunID         *string
}

// EventLogger appends StreamingEventLog rows and forwards committed rows to
// live subscribers.
type EventLogger struct {
	db  *gorm.DB
	pub EventPublisher
	log *zap.Logger
}

// NewEventLogger creates an event logger. pub may be nil.
func NewEventLogger(db *gorm.DB, pub EventPublisher, log *zap.Logger) *EventLogger {
	return &EventLogger{db: db, pub: pub, log: log}
}

// Record writes e through tx. Call Publish after the transaction commits.
func (l *EventLogger) Record(tx *gorm.DB, e Event) (*model.StreamingEventLog, error) {
	details, err := encodeDetails(e.Details)
	if err != nil {
		return nil, err
	}
	ent := &model.StreamingEventLog{
		ID:            uuid.New().String(),
		SessionID:     e.SessionID,
		EnvironmentID: e.EnvironmentID,
		EventType:     e.Type,
		EventDetails:  details,
		CronRunID:     e.RunID,
	}
	if err := tx.Create(ent).Error; err != nil {
		return nil, fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return ent, nil
}

// Append records e outside any transaction and publishes it.
func (l *EventLogger) Append(ctx context.Context, e Event) error {
	ent, err := l.Record(l.db.WithContext(ctx), e)
	if err != nil {
		return err
	}
	l.Publish(ent)
	return nil
}

// Publish forwards committed rows to subscribers.
func (l *EventLogger) Publish(ents ...*model.StreamingEventLog) {
	if l.pub == nil {
		return
	}
	for _, ent := range ents {
		if ent != nil {
			l.pub.Publish(model.EventFromEntity(ent))
		}
	}
}

// List returns the newest events of a session first.
func (l *EventLogger) List(ctx context.Context, sessionID string, limit int) ([]model.StreamingEventLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.StreamingEventLog
	err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Purge deletes all events of a session.
func (l *EventLogger) Purge(tx *gorm.DB, sessionID string) error {
	return tx.Where("session_id = ?", sessionID).Delete(&model.StreamingEventLog{}).Error
}

func encodeDetails(v any) (string, error) {
	switch d := v.(type) {
	case nil:
		return "", nil
	case string:
		return d, nil
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("encode event details: %w", err)
		}
		return string(raw), nil
	}
}
