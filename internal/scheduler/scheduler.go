// Package scheduler talks to the remote cron provider that fires the batch
// tick callback for each enabled environment.
package scheduler

import (
	"context"
	"net/url"
	"strings"
)

// Result is the outcome of a provider call. Adapters never return bare
// errors: failures are carried in Error so callers can record drift.
type Result struct {
	Success bool
	JobID   string
	Error   string
}

// Adapter manages the external job of an environment.
type Adapter interface {
	CreateJob(ctx context.Context, environmentID, speed string) Result
	ToggleJob(ctx context.Context, jobID string, enabled bool) Result
	DeleteJob(ctx context.Context, jobID string) Result
	SyncJob(ctx context.Context, environmentID, name, existingJobID, speed string, enabled bool) Result
	CallbackURL(environmentID string) string
}

// CallbackURL builds the tick callback a job invokes for environmentID.
func CallbackURL(publicBaseURL, environmentID string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/api/cron/tick?environmentId=" + url.QueryEscape(environmentID)
}

func failed(err error) Result {
	return Result{Error: err.Error()}
}
