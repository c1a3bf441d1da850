package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supakiln/engine/internal/database"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(zerolog.Nop()))
	t.Cleanup(func() { _ = db.Close() })
	return db.Conn()
}

func TestScheduledJobLifecycle(t *testing.T) {
	repo := NewScheduledJobRepo(testDB(t), zerolog.Nop())

	job := &ScheduledJob{
		Name:     "nightly-report",
		Code:     "print('hello')",
		CronExpr: "0 2 * * *",
		Packages: []string{"requests", "pandas"},
		IsActive: true,
	}
	require.NoError(t, repo.Create(job))
	assert.NotZero(t, job.ID)
	assert.Equal(t, 30, job.Timeout, "timeout should default to 30 seconds")

	got, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", got.Name)
	assert.Equal(t, []string{"requests", "pandas"}, got.Packages)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastRun)

	got.Name = "nightly-report-v2"
	got.IsActive = false
	require.NoError(t, repo.Update(got))

	updated, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report-v2", updated.Name)
	assert.False(t, updated.IsActive)

	active, err := repo.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	firedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.TouchLastRun(job.ID, firedAt))
	touched, err := repo.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, touched.LastRun)

	require.NoError(t, repo.Delete(job.ID))
	_, err = repo.Get(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduledJobNotFound(t *testing.T) {
	repo := NewScheduledJobRepo(testDB(t), zerolog.Nop())

	_, err := repo.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(42), ErrNotFound)
	assert.ErrorIs(t, repo.Update(&ScheduledJob{ID: 42, Name: "x", Code: "y", CronExpr: "* * * * *"}), ErrNotFound)
}

func TestWebhookJobEndpointNormalization(t *testing.T) {
	repo := NewWebhookJobRepo(testDB(t), zerolog.Nop())

	job := &WebhookJob{Name: "hook", Endpoint: "orders/created", Code: "pass", IsActive: true}
	require.NoError(t, repo.Create(job))
	assert.Equal(t, "/orders/created", job.Endpoint)

	got, err := repo.GetActiveByEndpoint("/orders/created")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestWebhookJobEndpointConflict(t *testing.T) {
	repo := NewWebhookJobRepo(testDB(t), zerolog.Nop())

	first := &WebhookJob{Name: "a", Endpoint: "/hook", Code: "pass", IsActive: true}
	require.NoError(t, repo.Create(first))

	dup := &WebhookJob{Name: "b", Endpoint: "hook", Code: "pass", IsActive: true}
	assert.ErrorIs(t, repo.Create(dup), ErrConflict)

	second := &WebhookJob{Name: "b", Endpoint: "/other", Code: "pass", IsActive: true}
	require.NoError(t, repo.Create(second))

	second.Endpoint = "/hook"
	assert.ErrorIs(t, repo.Update(second), ErrConflict)
}

func TestWebhookJobInactiveNotMatched(t *testing.T) {
	repo := NewWebhookJobRepo(testDB(t), zerolog.Nop())

	job := &WebhookJob{Name: "hook", Endpoint: "/hook", Code: "pass", IsActive: false}
	require.NoError(t, repo.Create(job))

	_, err := repo.GetActiveByEndpoint("/hook")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceLifecycle(t *testing.T) {
	repo := NewServiceRepo(testDB(t), zerolog.Nop())

	svc := &PersistentService{
		Name:      "worker",
		Code:      "while True: pass",
		IsActive:  true,
		AutoStart: true,
	}
	require.NoError(t, repo.Create(svc))
	assert.Equal(t, RestartAlways, svc.RestartPolicy, "restart policy should default to always")
	assert.Equal(t, ServiceStopped, svc.Status)

	dup := &PersistentService{Name: "worker", Code: "pass"}
	assert.ErrorIs(t, repo.Create(dup), ErrConflict)

	byName, err := repo.GetByName("worker")
	require.NoError(t, err)
	assert.Equal(t, svc.ID, byName.ID)

	startedAt := time.Now().UTC()
	require.NoError(t, repo.SetStatus(svc.ID, ServiceStarting))
	require.NoError(t, repo.SetRunning(svc.ID, "exec-abc123", "container-1", startedAt))

	running, err := repo.Get(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, ServiceRunning, running.Status)
	assert.Equal(t, "exec-abc123", running.ProcessID)
	assert.Equal(t, "container-1", running.ContainerID)
	require.NotNil(t, running.StartedAt)

	require.NoError(t, repo.SetStopped(svc.ID, ServiceError))
	stopped, err := repo.Get(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, ServiceError, stopped.Status)
	assert.Empty(t, stopped.ProcessID, "process handle should be cleared on stop")
}

func TestServiceListAutoStart(t *testing.T) {
	repo := NewServiceRepo(testDB(t), zerolog.Nop())

	require.NoError(t, repo.Create(&PersistentService{Name: "boot-me", Code: "pass", IsActive: true, AutoStart: true}))
	require.NoError(t, repo.Create(&PersistentService{Name: "manual", Code: "pass", IsActive: true, AutoStart: false}))
	require.NoError(t, repo.Create(&PersistentService{Name: "disabled", Code: "pass", IsActive: false, AutoStart: true}))

	services, err := repo.ListAutoStart()
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "boot-me", services[0].Name)
}

func TestExecutionLogParents(t *testing.T) {
	repo := NewExecutionLogRepo(testDB(t), zerolog.Nop())

	adhoc := &ExecutionLog{Code: "print(1)", Output: "1\n", Status: "success", ExecutionTime: 0.1}
	require.NoError(t, repo.Insert(adhoc))

	scheduled := &ExecutionLog{Parent: ScheduledParent(7), Code: "print(2)", Status: "success"}
	require.NoError(t, repo.Insert(scheduled))

	webhook := &ExecutionLog{
		Parent:       WebhookParent(9),
		Code:         "print(3)",
		Status:       "success",
		RequestData:  `{"method":"POST"}`,
		ResponseData: `{"message":"ok"}`,
	}
	require.NoError(t, repo.Insert(webhook))

	got, err := repo.Get(adhoc.ID)
	require.NoError(t, err)
	assert.Equal(t, ParentNone, got.Parent.Kind)

	byJob, err := repo.List(LogFilter{Parent: ScheduledParent(7)})
	require.NoError(t, err)
	require.Len(t, byJob, 1)
	assert.Equal(t, scheduled.ID, byJob[0].ID)

	byHook, err := repo.List(LogFilter{Parent: WebhookParent(9)})
	require.NoError(t, err)
	require.Len(t, byHook, 1)
	assert.Equal(t, `{"method":"POST"}`, byHook[0].RequestData)

	all, err := repo.List(LogFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestExecutionLogMetricsRoundTrip(t *testing.T) {
	repo := NewExecutionLogRepo(testDB(t), zerolog.Nop())

	metrics := &ResourceMetrics{
		CPUUserSeconds:   1.25,
		CPUSystemSeconds: 0.5,
		MemoryUsageBytes: 42 << 20,
		MemoryPeakBytes:  64 << 20,
		MemoryPercent:    8.2,
		NetRxBytes:       1024,
		PIDs:             3,
		ExitCode:         0,
	}
	entry := &ExecutionLog{Code: "print(1)", Status: "success", Metrics: metrics}
	require.NoError(t, repo.Insert(entry))

	got, err := repo.Get(entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, *metrics, *got.Metrics)

	noMetrics := &ExecutionLog{Code: "print(2)", Status: "error"}
	require.NoError(t, repo.Insert(noMetrics))
	got, err = repo.Get(noMetrics.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Metrics)
}

func TestExecutionLogPagination(t *testing.T) {
	repo := NewExecutionLogRepo(testDB(t), zerolog.Nop())

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(&ExecutionLog{
			Code:      "print(1)",
			Status:    "success",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := repo.List(LogFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].StartedAt.After(page[1].StartedAt), "logs should be newest first")

	next, err := repo.List(LogFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.True(t, page[1].StartedAt.After(next[0].StartedAt))
}
