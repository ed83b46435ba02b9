package model

import "time"

// DeviceKind is the kind of virtual device a session replays.
type DeviceKind string

const (
	KindFish  DeviceKind = "fish"
	KindPlant DeviceKind = "plant"
)

// Kinds lists every streamable device kind.
var Kinds = []DeviceKind{KindFish, KindPlant}

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool { return k == KindFish || k == KindPlant }

// SessionStatus represents the replay session state.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// pending -> active <-> paused, active -> completed|failed. Pending and paused
// sessions may be failed by a reset so the superseded row stays auditable.
var transitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusActive, SessionStatusFailed},
	SessionStatusActive:  {SessionStatusPaused, SessionStatusCompleted, SessionStatusFailed},
	SessionStatusPaused:  {SessionStatusActive, SessionStatusFailed},
}

// CanTransitionTo reports whether the state machine allows s -> to.
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// LiveStatuses are the non-terminal statuses, as stored strings.
func LiveStatuses() []string {
	return []string{string(SessionStatusPending), string(SessionStatusActive), string(SessionStatusPaused)}
}

// Event types written to the streaming event log.
const (
	EventSessionStarted   = "session_started"
	EventDataSent         = "data_sent"
	EventErrorOccurred    = "error_occurred"
	EventSessionPaused    = "session_paused"
	EventSessionResumed   = "session_resumed"
	EventSessionReset     = "session_reset"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
)

// Cron run trigger sources and statuses.
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
	TriggerCLI       = "cli"

	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// Alert types and severities.
const (
	AlertStreamFailed  = "stream_failed"
	AlertStreamStalled = "stream_stalled"

	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Session is the API view of a streaming session.
type Session struct {
	ID                   string        `json:"id"`
	EnvironmentID        string        `json:"environment_id"`
	DeviceID             string        `json:"device_id"`
	DeviceKind           DeviceKind    `json:"device_kind"`
	Status               SessionStatus `json:"status"`
	TotalRows            int           `json:"total_rows"`
	LastRowSent          int           `json:"last_row_sent"`
	RowsStreamed         int           `json:"rows_streamed"`
	SessionStartedAt     *time.Time    `json:"session_started_at,omitempty"`
	ExpectedCompletionAt *time.Time    `json:"expected_completion_at,omitempty"`
	LastDataSentAt       *time.Time    `json:"last_data_sent_at,omitempty"`
	ErrorCount           int           `json:"error_count"`
	ConsecutiveErrors    int           `json:"consecutive_errors"`
	LastErrorMessage     string        `json:"last_error_message,omitempty"`
}

// SessionFromEntity converts the GORM row to its API view.
func SessionFromEntity(ent *StreamingSession) Session {
	return Session{
		ID:                   ent.ID,
		EnvironmentID:        ent.EnvironmentID,
		DeviceID:             ent.DeviceID,
		DeviceKind:           DeviceKind(ent.DeviceKind),
		Status:               SessionStatus(ent.Status),
		TotalRows:            ent.TotalRows,
		LastRowSent:          ent.LastRowSent,
		RowsStreamed:         ent.RowsStreamed,
		SessionStartedAt:     ent.SessionStartedAt,
		ExpectedCompletionAt: ent.ExpectedCompletionAt,
		LastDataSentAt:       ent.LastDataSentAt,
		ErrorCount:           ent.ErrorCount,
		ConsecutiveErrors:    ent.ConsecutiveErrors,
		LastErrorMessage:     ent.LastErrorMessage,
	}
}

// StartSessionRequest is the request body for POST /api/sessions/start.
type StartSessionRequest struct {
	EnvironmentID string     `json:"environmentId" binding:"required"`
	DeviceKind    DeviceKind `json:"deviceKind" binding:"required"`
}

// ResetSessionRequest is the request body for POST /api/sessions/:id/reset.
type ResetSessionRequest struct {
	RetainData bool `json:"retainData"`
}

// EventLogEntry is the API view of a streaming event.
type EventLogEntry struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	EnvironmentID string    `json:"environment_id"`
	EventType     string    `json:"event_type"`
	EventDetails  string    `json:"event_details,omitempty"`
	CronRunID     *string   `json:"cron_run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventFromEntity converts a log row to its API view.
func EventFromEntity(ent *StreamingEventLog) EventLogEntry {
	return EventLogEntry{
		ID:            ent.ID,
		SessionID:     ent.SessionID,
		EnvironmentID: ent.EnvironmentID,
		EventType:     ent.EventType,
		EventDetails:  ent.EventDetails,
		CronRunID:     ent.CronRunID,
		CreatedAt:     ent.CreatedAt,
	}
}
