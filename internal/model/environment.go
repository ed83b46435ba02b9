package model

import "time"

// EnvironmentView is the API view of an environment.
type EnvironmentView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	FishDeviceID     *string    `json:"fish_device_id,omitempty"`
	PlantDeviceID    *string    `json:"plant_device_id,omitempty"`
	Speed            string     `json:"speed"`
	Enabled          bool       `json:"enabled"`
	CronJobID        string     `json:"cron_job_id,omitempty"`
	CronJobURL       string     `json:"cron_job_url,omitempty"`
	CronJobEnabled   bool       `json:"cron_job_enabled"`
	CronLastSyncedAt *time.Time `json:"cron_last_synced_at,omitempty"`
	SyncPending      bool       `json:"sync_pending"`
	CreatedAt        time.Time  `json:"created_at"`
}

// EnvironmentFromEntity converts the GORM row to its API view.
func EnvironmentFromEntity(ent *Environment) EnvironmentView {
	return EnvironmentView{
		ID:               ent.ID,
		Name:             ent.Name,
		FishDeviceID:     ent.FishDeviceID,
		PlantDeviceID:    ent.PlantDeviceID,
		Speed:            ent.Speed,
		Enabled:          ent.Enabled,
		CronJobID:        ent.CronJobID,
		CronJobURL:       ent.CronJobURL,
		CronJobEnabled:   ent.CronJobEnabled,
		CronLastSyncedAt: ent.CronLastSyncedAt,
		SyncPending:      ent.SchedulerDrift(),
		CreatedAt:        ent.CreatedAt,
	}
}

// CreateEnvironmentRequest is the request body for POST /api/environments.
type CreateEnvironmentRequest struct {
	Name          string  `json:"name" binding:"required"`
	FishDeviceID  *string `json:"fishDeviceId"`
	PlantDeviceID *string `json:"plantDeviceId"`
	Speed         string  `json:"speed"`
}

// UpdateEnvironmentRequest is the request body for PATCH /api/environments/:id.
// A nil field is left unchanged; an empty device id unassigns the slot.
type UpdateEnvironmentRequest struct {
	Name          *string `json:"name"`
	FishDeviceID  *string `json:"fishDeviceId"`
	PlantDeviceID *string `json:"plantDeviceId"`
	Speed         *string `json:"speed"`
}
