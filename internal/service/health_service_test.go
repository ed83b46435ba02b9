package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psds-microservice/virtual-device-service/internal/model"
)

func TestSyncStatusOf(t *testing.T) {
	cases := []struct {
		name string
		env  model.Environment
		want SyncStatus
	}{
		{"enabled without job", model.Environment{Enabled: true, Speed: "1x"}, SyncPending},
		{"speed drift", model.Environment{Enabled: true, Speed: "2x", CronJobID: "j", CronJobEnabled: true, CronJobSpeed: "1x"}, SyncDrift},
		{"job still enabled", model.Environment{Speed: "1x", CronJobID: "j", CronJobEnabled: true, CronJobSpeed: "1x"}, SyncDrift},
		{"disabled", model.Environment{Speed: "1x", CronJobID: "j", CronJobSpeed: "1x"}, SyncDisabled},
		{"never enabled", model.Environment{Speed: "1x"}, SyncDisabled},
		{"synced", model.Environment{Enabled: true, Speed: "1x", CronJobID: "j", CronJobEnabled: true, CronJobSpeed: "1x"}, SyncSynced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, syncStatusOf(&tc.env))
		})
	}
}

func TestSessionHealthStall(t *testing.T) {
	sent := epoch
	sess := &model.StreamingSession{Status: string(model.SessionStatusActive), LastDataSentAt: &sent}

	assert.Equal(t, HealthHealthy, sessionHealth(sess, time.Minute, epoch.Add(3*time.Minute)).Health)
	h := sessionHealth(sess, time.Minute, epoch.Add(3*time.Minute+time.Second))
	assert.Equal(t, HealthDegraded, h.Health)
	assert.Contains(t, h.Reason, "no data for 3m1s")

	sess.Status = string(model.SessionStatusPaused)
	assert.Equal(t, HealthHealthy, sessionHealth(sess, time.Minute, epoch.Add(time.Hour)).Health)
}

func TestHealthCheckHealthy(t *testing.T) {
	f := newFixture(t, 10)
	env, id := startFish(t, f)
	tickN(t, f, id, 1, time.Minute)

	report, err := f.health.GetHealthCheck(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Status)
	require.Len(t, report.Environments, 1)
	eh := report.Environments[0]
	assert.Equal(t, env.ID, eh.EnvironmentID)
	assert.Equal(t, SyncSynced, eh.SyncStatus)
	require.Len(t, eh.Sessions, 1)
	assert.Equal(t, "just now", eh.Sessions[0].LastDataSentAgo)
	assert.Equal(t, 1, report.Summary.ActiveSessions)
}

func TestHealthCheckStalledAndFailed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	env, fishID := startFish(t, f)
	_, err := f.sessions.Start(ctx, testUser, env.ID, model.KindPlant)
	require.NoError(t, err)
	tickN(t, f, fishID, 1, time.Minute)

	f.clock.Advance(4 * time.Minute)
	report, err := f.health.GetHealthCheck(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, 2, report.Summary.Stalled)

	require.NoError(t, f.db.Model(&model.StreamingSession{}).Where("id = ?", fishID).Updates(map[string]any{
		"status":             string(model.SessionStatusFailed),
		"last_error_message": "telemetry status 503",
	}).Error)
	report, err = f.health.GetHealthCheck(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Status)
	assert.Equal(t, 1, report.Summary.Failed)
	assert.Equal(t, 1, report.Summary.Stalled)
	assert.Equal(t, 1, report.Summary.ActiveSessions)
}

func TestHealthCheckJudgesLatestSessionOnly(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, id := startFish(t, f)
	f.emitter.setErr(assert.AnError)
	for i := 0; i < 5; i++ {
		_, err := f.sessions.Tick(ctx, id, nil)
		require.NoError(t, err)
	}
	f.emitter.setErr(nil)

	report, err := f.health.GetHealthCheck(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, report.Status)

	// createdAt has wall-clock resolution; keep the replacement strictly newer.
	time.Sleep(5 * time.Millisecond)
	_, err = f.sessions.Reset(ctx, testUser, id, true)
	require.NoError(t, err)
	report, err = f.health.GetHealthCheck(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Status)
}

func TestHealthCheckCountsSchedulerDrift(t *testing.T) {
	f := newFixture(t, 10)
	env, _, _ := f.environment(t)
	require.NoError(t, f.db.Model(env).Update("speed", "5x").Error)

	report, err := f.health.GetHealthCheck(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, SyncDrift, report.Environments[0].SyncStatus)
	assert.Equal(t, 1, report.Summary.OutOfSync)

	report, err = f.health.GetHealthCheck(context.Background(), otherUser)
	require.NoError(t, err)
	assert.Empty(t, report.Environments)
	assert.Equal(t, HealthHealthy, report.Status)
}

func TestAlertsAreRaisedOnceAndResolved(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	_, id := startFish(t, f)
	require.NoError(t, f.db.Model(&model.StreamingSession{}).Where("id = ?", id).
		Update("status", string(model.SessionStatusFailed)).Error)

	rep, err := f.health.CheckAndCreateAlerts(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	require.Len(t, rep.Alerts, 1)
	a := rep.Alerts[0]
	assert.Equal(t, model.AlertStreamFailed, a.AlertType)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, testUser, a.UserID)

	rep, err = f.health.CheckAndCreateAlerts(ctx, testUser)
	require.NoError(t, err)
	assert.Zero(t, rep.Created)
	assert.EqualValues(t, 1, f.count(t, &model.Alert{}, "resolved = ?", false))

	time.Sleep(5 * time.Millisecond)
	_, err = f.sessions.Reset(ctx, testUser, id, true)
	require.NoError(t, err)
	rep, err = f.health.CheckAndCreateAlerts(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Zero(t, f.count(t, &model.Alert{}, "resolved = ?", false))
}

func TestStalledAlertForAllUsers(t *testing.T) {
	f := newFixture(t, 10)
	_, id := startFish(t, f)
	tickN(t, f, id, 1, time.Minute)
	f.clock.Advance(10 * time.Minute)

	rep, err := f.health.CheckAndCreateAlerts(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Created)
	assert.Equal(t, model.AlertStreamStalled, rep.Alerts[0].AlertType)
	assert.Equal(t, testUser, rep.Alerts[0].UserID)
}
