package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/psds-microservice/virtual-device-service/internal/config"
	"github.com/psds-microservice/virtual-device-service/internal/dataset"
	"github.com/psds-microservice/virtual-device-service/internal/model"
	"github.com/psds-microservice/virtual-device-service/internal/scheduler"
	"github.com/psds-microservice/virtual-device-service/internal/telemetry"
)

const (
	testUser  = "00000000-0000-0000-0000-0000000000a1"
	otherUser = "00000000-0000-0000-0000-0000000000b2"
)

var epoch = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeEmitter struct {
	mu      sync.Mutex
	calls   []telemetry.Payload
	err     error
	failMAC map[string]bool

	// When set, Emit signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeEmitter) Emit(ctx context.Context, p telemetry.Payload) (telemetry.Response, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return telemetry.Response{}, f.err
	}
	if f.failMAC[p.DeviceMAC] {
		return telemetry.Response{}, errors.New("telemetry status 503")
	}
	return telemetry.Response{Success: true}, nil
}

func (f *fakeEmitter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeJob struct {
	envID   string
	speed   string
	enabled bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	jobs  map[string]fakeJob
	fail  bool
	seq   int
	calls []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]fakeJob{}}
}

func (f *fakeScheduler) record(op string) bool {
	f.calls = append(f.calls, op)
	return !f.fail
}

func (f *fakeScheduler) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeScheduler) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeScheduler) job(id string) (fakeJob, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeScheduler) CreateJob(_ context.Context, environmentID, speed string) scheduler.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("create") {
		return scheduler.Result{Error: "provider down"}
	}
	f.seq++
	id := fmt.Sprintf("job-%d", f.seq)
	f.jobs[id] = fakeJob{envID: environmentID, speed: speed, enabled: true}
	return scheduler.Result{Success: true, JobID: id}
}

func (f *fakeScheduler) ToggleJob(_ context.Context, jobID string, enabled bool) scheduler.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("toggle") {
		return scheduler.Result{Error: "provider down"}
	}
	j := f.jobs[jobID]
	j.enabled = enabled
	f.jobs[jobID] = j
	return scheduler.Result{Success: true, JobID: jobID}
}

func (f *fakeScheduler) DeleteJob(_ context.Context, jobID string) scheduler.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("delete") {
		return scheduler.Result{Error: "provider down"}
	}
	delete(f.jobs, jobID)
	return scheduler.Result{Success: true, JobID: jobID}
}

func (f *fakeScheduler) SyncJob(_ context.Context, environmentID, _, existingJobID, speed string, enabled bool) scheduler.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.record("sync") {
		return scheduler.Result{Error: "provider down"}
	}
	id := existingJobID
	if _, ok := f.jobs[id]; !ok {
		f.seq++
		id = fmt.Sprintf("job-%d", f.seq)
	}
	f.jobs[id] = fakeJob{envID: environmentID, speed: speed, enabled: enabled}
	return scheduler.Result{Success: true, JobID: id}
}

func (f *fakeScheduler) CallbackURL(environmentID string) string {
	return scheduler.CallbackURL("https://vdev.test", environmentID)
}

type fixture struct {
	db        *gorm.DB
	cfg       *config.Config
	clock     *fakeClock
	emitter   *fakeEmitter
	sched     *fakeScheduler
	hub       *StreamHub
	locks     *EnvLocker
	sessions  *SessionService
	envs      *EnvironmentService
	health    *HealthService
	reconcile *ReconcileService
	runner    *CronRunner
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.AllEntities()...))
	require.NoError(t, db.Exec(`CREATE UNIQUE INDEX uq_streaming_sessions_live
		ON streaming_sessions (environment_id, device_kind)
		WHERE status IN ('pending', 'active', 'paused')`).Error)
	return db
}

func testSource(rows int) *dataset.Source {
	fish := &dataset.Dataset{Kind: model.KindFish, Fields: dataset.FieldsFor(model.KindFish)}
	plant := &dataset.Dataset{Kind: model.KindPlant, Fields: dataset.FieldsFor(model.KindPlant)}
	for i := 0; i < rows; i++ {
		at := epoch.Add(time.Duration(i) * 5 * time.Hour)
		fish.Rows = append(fish.Rows, dataset.Row{RecordedAt: at, Values: []float64{24 + float64(i%3), 400, 250, 4, 7}})
		plant.Rows = append(plant.Rows, dataset.Row{RecordedAt: at, Values: []float64{4 + float64(i)*0.1, 25, 70, 101300}})
	}
	return dataset.NewSource(rand.New(rand.NewPCG(1, 2)), fish, plant)
}

func newFixture(t *testing.T, rows int) *fixture {
	t.Helper()
	f := &fixture{
		db:      openTestDB(t),
		clock:   &fakeClock{t: epoch},
		emitter: &fakeEmitter{},
		sched:   newFakeScheduler(),
		locks:   NewEnvLocker(),
	}
	f.cfg = &config.Config{TickConcurrency: 4, MaxConsecutiveErrors: 5}
	f.cfg.Telemetry.Timeout = time.Second
	log := zap.NewNop()

	f.hub = NewStreamHub(0, 0, 0, log)
	events := NewEventLogger(f.db, f.hub, log)
	f.sessions = NewSessionService(f.db, f.cfg, testSource(rows), f.emitter, events, f.locks, log)
	f.sessions.now = f.clock.Now
	f.envs = NewEnvironmentService(f.db, f.sched, f.sessions, f.hub, f.locks, log)
	f.envs.now = f.clock.Now
	f.health = NewHealthService(f.db, log)
	f.health.now = f.clock.Now
	f.reconcile = NewReconcileService(f.db, f.envs, f.sessions, f.health, f.locks, log)
	f.reconcile.now = f.clock.Now
	f.runner = NewCronRunner(f.db, f.sessions, nil, f.cfg.TickConcurrency, log)
	f.runner.now = f.clock.Now
	return f
}

func (f *fixture) device(t *testing.T, userID string, kind model.DeviceKind) *model.Device {
	t.Helper()
	id := uuid.New().String()
	dev := &model.Device{
		ID:     id,
		UserID: userID,
		Name:   string(kind) + " probe",
		Kind:   string(kind),
		MAC:    "VD:" + id[:8],
		APIKey: "key-" + id[:8],
	}
	require.NoError(t, f.db.Create(dev).Error)
	return dev
}

// environment seeds an enabled, in-sync environment with both slots bound.
func (f *fixture) environment(t *testing.T) (*model.Environment, *model.Device, *model.Device) {
	t.Helper()
	fish := f.device(t, testUser, model.KindFish)
	plant := f.device(t, testUser, model.KindPlant)
	res := f.sched.CreateJob(context.Background(), "seed", "1x")
	require.True(t, res.Success)
	env := &model.Environment{
		ID:             uuid.New().String(),
		UserID:         testUser,
		Name:           "Greenhouse",
		FishDeviceID:   &fish.ID,
		PlantDeviceID:  &plant.ID,
		Speed:          "1x",
		Enabled:        true,
		CronJobID:      res.JobID,
		CronJobEnabled: true,
		CronJobSpeed:   "1x",
	}
	require.NoError(t, f.db.Create(env).Error)
	return env, fish, plant
}

func (f *fixture) reload(t *testing.T, sessionID string) *model.StreamingSession {
	t.Helper()
	var ent model.StreamingSession
	require.NoError(t, f.db.Where("id = ?", sessionID).First(&ent).Error)
	return &ent
}

func (f *fixture) reloadEnv(t *testing.T, envID string) *model.Environment {
	t.Helper()
	var env model.Environment
	require.NoError(t, f.db.Where("id = ?", envID).First(&env).Error)
	return &env
}

func (f *fixture) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	var types []string
	require.NoError(t, f.db.Model(&model.StreamingEventLog{}).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Pluck("event_type", &types).Error)
	return types
}

func (f *fixture) count(t *testing.T, m any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(m).Where(where, args...).Count(&n).Error)
	return n
}
