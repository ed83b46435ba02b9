package model

import "time"

// Device is a registered (virtual) sensor device. Owned by the device CRUD
// service; read-only here.
type Device struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"type:uuid;not null;index"`
	Name      string    `gorm:"size:120;not null"`
	Kind      string    `gorm:"size:10;not null"` // fish, plant
	MAC       string    `gorm:"column:mac;size:32;not null;uniqueIndex"`
	APIKey    string    `gorm:"column:api_key;size:128;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Device) TableName() string { return "devices" }

// Environment groups at most one fish and one plant device streaming at a
// shared speed, and carries the external cron job that drives the ticks.
type Environment struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	UserID        string  `gorm:"type:uuid;not null;index"`
	Name          string  `gorm:"size:120;not null"`
	FishDeviceID  *string `gorm:"type:uuid"`
	PlantDeviceID *string `gorm:"type:uuid"`
	Speed         string  `gorm:"size:8;not null"`
	Enabled       bool    `gorm:"not null"`

	// Last known state of the external job.
	CronJobID        string     `gorm:"size:64"`
	CronJobURL       string     `gorm:"size:512"`
	CronJobEnabled   bool       `gorm:"not null"`
	CronJobSpeed     string     `gorm:"size:8"`
	CronLastSyncedAt *time.Time `gorm:"column:cron_last_synced_at"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Environment) TableName() string { return "environments" }

// DeviceIDFor returns the device bound to the slot of the given kind.
func (e *Environment) DeviceIDFor(kind DeviceKind) string {
	var p *string
	switch kind {
	case KindFish:
		p = e.FishDeviceID
	case KindPlant:
		p = e.PlantDeviceID
	}
	if p == nil {
		return ""
	}
	return *p
}

// SchedulerDrift reports whether the external job is out of line with the
// desired configuration.
func (e *Environment) SchedulerDrift() bool {
	if e.Enabled && e.CronJobID == "" {
		return true
	}
	if e.CronJobID == "" {
		return false
	}
	return e.CronJobEnabled != e.Enabled || e.CronJobSpeed != e.Speed
}

// StreamingSession is the replay state of one device kind within one
// environment. The row itself is the single source of truth for the replay
// position.
type StreamingSession struct {
	ID            string `gorm:"type:uuid;primaryKey"`
	EnvironmentID string `gorm:"type:uuid;not null;index"`
	DeviceID      string `gorm:"type:uuid;not null;index"`
	DeviceKind    string `gorm:"size:10;not null"`
	Status        string `gorm:"size:20;not null;index"` // pending, active, paused, completed, failed

	TotalRows    int `gorm:"not null"`
	LastRowSent  int `gorm:"not null"`
	RowsStreamed int `gorm:"not null"`

	SessionStartedAt     *time.Time
	ExpectedCompletionAt *time.Time
	FirstDataSentAt      *time.Time
	LastDataSentAt       *time.Time
	PausedAt             *time.Time
	PausedMs             int64 `gorm:"not null"`

	// Paused time after the last reading, not yet inside first..last.
	PendingPauseMs int64 `gorm:"not null"`

	ErrorCount        int    `gorm:"not null"`
	ConsecutiveErrors int    `gorm:"not null"`
	LastErrorMessage  string `gorm:"type:text"`

	// Set while a tick holds the row; expires so a crashed tick cannot wedge it.
	TickLeaseUntil *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (StreamingSession) TableName() string { return "streaming_sessions" }

// State returns the typed status.
func (s *StreamingSession) State() SessionStatus { return SessionStatus(s.Status) }

// Kind returns the typed device kind.
func (s *StreamingSession) Kind() DeviceKind { return DeviceKind(s.DeviceKind) }

// SessionReading is the local ledger of a reading emitted by a tick.
type SessionReading struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	SessionID   string    `gorm:"type:uuid;not null;index"`
	RowIndex    int       `gorm:"not null"`
	ReadingType string    `gorm:"size:16;not null"`
	Payload     string    `gorm:"type:text;not null"`
	SentAt      time.Time `gorm:"not null"`
}

func (SessionReading) TableName() string { return "session_readings" }

// StreamingEventLog is an immutable lifecycle/error record.
type StreamingEventLog struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	SessionID     string    `gorm:"type:uuid;not null;index"`
	EnvironmentID string    `gorm:"type:uuid;not null;index"`
	EventType     string    `gorm:"size:32;not null"`
	EventDetails  string    `gorm:"type:text"`
	CronRunID     *string   `gorm:"type:uuid"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (StreamingEventLog) TableName() string { return "streaming_event_logs" }

// CronExecutionLog summarizes one batch tick run. Observability only.
type CronExecutionLog struct {
	RunID             string     `gorm:"type:uuid;primaryKey"`
	Status            string     `gorm:"size:16;not null"` // running, success, partial, failed
	TriggerSource     string     `gorm:"size:16;not null"` // scheduler, manual, cli
	ConfigsProcessed  int        `gorm:"not null"`
	SessionsProcessed int        `gorm:"not null"`
	ReadingsSent      int        `gorm:"not null"`
	ErrorsEncountered int        `gorm:"not null"`
	StartedAt         time.Time  `gorm:"not null"`
	CompletedAt       *time.Time
	DurationMs        int64 `gorm:"not null"`
}

func (CronExecutionLog) TableName() string { return "cron_execution_logs" }

// Alert is a stream health alert raised for a device.
type Alert struct {
	ID            string     `gorm:"type:uuid;primaryKey"`
	UserID        string     `gorm:"type:uuid;not null;index"`
	DeviceID      string     `gorm:"type:uuid;not null;index"`
	EnvironmentID string     `gorm:"type:uuid;not null"`
	AlertType     string     `gorm:"size:32;not null"`
	Severity      string     `gorm:"size:16;not null"`
	Message       string     `gorm:"type:text"`
	Resolved      bool       `gorm:"not null"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	ResolvedAt    *time.Time
}

func (Alert) TableName() string { return "alerts" }

// AllEntities lists every model, in dependency order, for AutoMigrate in tests.
func AllEntities() []any {
	return []any{
		&Device{},
		&Environment{},
		&StreamingSession{},
		&SessionReading{},
		&StreamingEventLog{},
		&CronExecutionLog{},
		&Alert{},
	}
}
