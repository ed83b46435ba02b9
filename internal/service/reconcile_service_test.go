package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

func actionsOf(report *SyncReport, action string) []SyncAction {
	var out []SyncAction
	for _, a := range report.Actions {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

func TestSyncCreatesMissingSessions(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	env, _, _ := f.environment(t)
	runID := uuid.New().String()

	report, err := f.reconcile.PerformSync(ctx, testUser, runID)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, runID, report.RunID)
	created := actionsOf(report, ActionSessionCreated)
	require.Len(t, created, 2)

	for _, a := range created {
		sess := f.reload(t, a.SessionID)
		assert.Equal(t, env.ID, sess.EnvironmentID)
		assert.Equal(t, model.SessionStatusActive, sess.State())
		var ev model.StreamingEventLog
		require.NoError(t, f.db.Where("session_id = ?", sess.ID).First(&ev).Error)
		require.NotNil(t, ev.CronRunID)
		assert.Equal(t, runID, *ev.CronRunID)
	}
	assert.Equal(t, HealthHealthy, report.HealthStatus)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.environment(t)

	first, err := f.reconcile.PerformSync(ctx, testUser, "")
	require.NoError(t, err)
	require.Len(t, first.Actions, 2)
	assert.NotEmpty(t, first.RunID)

	// Finished sessions are not replaced either.
	_, err = f.runner.RunBatch(ctx, model.TriggerManual, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.count(t, &model.StreamingSession{}, "status = ?", string(model.SessionStatusCompleted)))

	second, err := f.reconcile.PerformSync(ctx, testUser, "")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Empty(t, second.Actions)
	assert.EqualValues(t, 2, f.count(t, &model.StreamingSession{}, "1 = 1"))
}

func TestSyncSkipsDisabledEnvironments(t *testing.T) {
	f := newFixture(t, 10)
	env, _, _ := f.environment(t)
	_, err := f.envs.SetEnabled(context.Background(), testUser, env.ID, false)
	require.NoError(t, err)

	report, err := f.reconcile.PerformSync(context.Background(), testUser, "")
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
	assert.Zero(t, f.count(t, &model.StreamingSession{}, "1 = 1"))
}

func TestSyncFailsOrphanedSessions(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	env, fish, _ := f.environment(t)
	view, err := f.sessions.Start(ctx, testUser, env.ID, model.KindFish)
	require.NoError(t, err)
	require.NoError(t, f.db.Delete(fish).Error)

	report, err := f.reconcile.PerformSync(ctx, testUser, "")
	require.NoError(t, err)
	failed := actionsOf(report, ActionSessionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, view.Session.ID, failed[0].SessionID)
	assert.Contains(t, failed[0].Detail, "device no longer exists")

	sess := f.reload(t, view.Session.ID)
	assert.Equal(t, model.SessionStatusFailed, sess.State())
	// The deleted fish device gets no replacement, the plant slot does.
	created := actionsOf(report, ActionSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, string(model.KindPlant), created[0].Detail)
}

func TestSyncHealsSchedulerDrift(t *testing.T) {
	f := newFixture(t, 10)
	env, _, _ := f.environment(t)
	require.NoError(t, f.db.Model(env).Update("speed", "20x").Error)

	report, err := f.reconcile.PerformSync(context.Background(), testUser, "")
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, actionsOf(report, ActionSchedulerResynced), 1)

	got := f.reloadEnv(t, env.ID)
	assert.False(t, got.SchedulerDrift())
	job, ok := f.sched.job(got.CronJobID)
	require.True(t, ok)
	assert.Equal(t, "20x", job.speed)
}

func TestSyncReportsProviderFailureAndContinues(t *testing.T) {
	f := newFixture(t, 10)
	broken, _, _ := f.environment(t)
	healthy, _, _ := f.environment(t)
	require.NoError(t, f.db.Model(broken).Update("speed", "2x").Error)
	f.sched.setFail(true)

	report, err := f.reconcile.PerformSync(context.Background(), testUser, "")
	require.NoError(t, err)
	assert.False(t, report.Success)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, broken.ID, report.Issues[0].EnvironmentID)
	assert.Contains(t, report.Issues[0].Issue, "scheduler resync failed")
	assert.Equal(t, HealthDegraded, report.HealthStatus)

	// Sessions were still created for both environments.
	assert.EqualValues(t, 2, f.count(t, &model.StreamingSession{}, "environment_id = ?", broken.ID))
	assert.EqualValues(t, 2, f.count(t, &model.StreamingSession{}, "environment_id = ?", healthy.ID))
	assert.True(t, f.reloadEnv(t, broken.ID).SchedulerDrift())
}

func TestSyncReportListsActionsAsStrings(t *testing.T) {
	f := newFixture(t, 10)
	env, _, _ := f.environment(t)

	report, err := f.reconcile.PerformSync(context.Background(), testUser, "")
	require.NoError(t, err)
	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded struct {
		Actions []string `json:"actions"`
		Issues  []string `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Actions, 2)
	for _, a := range decoded.Actions {
		assert.True(t, strings.HasPrefix(a, ActionSessionCreated+" environment="+env.ID), a)
		assert.Contains(t, a, "session=")
	}
	assert.NotNil(t, decoded.Issues)
	assert.Empty(t, decoded.Issues)

	issue := SyncIssue{EnvironmentID: env.ID, Issue: "scheduler resync failed: down"}
	raw, err = json.Marshal(issue)
	require.NoError(t, err)
	assert.JSONEq(t, `"environment=`+env.ID+`: scheduler resync failed: down"`, string(raw))
}
