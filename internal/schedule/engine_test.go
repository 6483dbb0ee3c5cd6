package schedule

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/berth/internal/clock"
	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

type memoryStore struct {
	mu      sync.Mutex
	tasks   map[string]models.ScheduledTask
	failing bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tasks: make(map[string]models.ScheduledTask)}
}

func (s *memoryStore) UpsertScheduledTask(_ context.Context, task models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.tasks[task.ID] = task
	return nil
}

func (s *memoryStore) DeleteScheduledTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) get(id string) (models.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task, ok
}

type harness struct {
	engine  *Engine
	clock   *clock.Fake
	adapter *runtime.FakeAdapter
	bus     *events.Bus
	store   *memoryStore
}

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	fake := clock.NewFake(start)
	adapter := runtime.NewFakeAdapter()
	adapter.Add("c1", "web", runtime.StateStopped, map[string]string{runtime.LabelGroup: "front"})
	adapter.Add("c2", "api", runtime.StateRunning, map[string]string{runtime.LabelGroup: "front"})
	adapter.Add("c3", "db", runtime.StateRunning, nil)
	logger := log.New(io.Discard, "", 0)
	bus := events.NewBus(64, logger).WithClock(fake.Now)
	store := newMemoryStore()
	engine := NewEngine(adapter, bus, store, logger).WithClock(fake).WithLocation(time.UTC)
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)
	return &harness{engine: engine, clock: fake, adapter: adapter, bus: bus, store: store}
}

func (h *harness) register(t *testing.T, input models.ScheduledTaskInput) models.ScheduledTask {
	t.Helper()
	task, err := h.engine.Register(context.Background(), input)
	require.NoError(t, err)
	return task
}

// settle waits for executions spawned by the last Advance.
func (h *harness) settle() {
	h.engine.Stop()
	h.engine.Start(context.Background())
}

func TestRegisterComputesEarliestFutureNextRun(t *testing.T) {
	h := newHarness(t, epoch.Add(7*time.Minute+30*time.Second))
	task := h.register(t, models.ScheduledTaskInput{
		Name: "quarter", Target: "web", Action: models.ActionStart, Schedule: "*/15 * * * *", Enabled: true,
	})

	require.NotNil(t, task.NextRun)
	assert.Equal(t, epoch.Add(15*time.Minute), *task.NextRun)
	assert.True(t, task.NextRun.After(h.clock.Now()))
	assert.Equal(t, models.TaskActive, task.Status)
	assert.Equal(t, models.TargetWorkload, task.TargetKind)
	assert.NotEmpty(t, task.ID)

	stored, ok := h.store.get(task.ID)
	require.True(t, ok)
	assert.Equal(t, task.NextRun, stored.NextRun)
}

func TestRegisterDisabledHasNoNextRun(t *testing.T) {
	h := newHarness(t, epoch)
	task := h.register(t, models.ScheduledTaskInput{
		Name: "nightly", Target: "web", Action: models.ActionStop, Schedule: "@daily",
	})
	assert.Nil(t, task.NextRun)
	assert.Equal(t, models.TaskInactive, task.Status)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, epoch)
	cases := []models.ScheduledTaskInput{
		{Name: "bad", Target: "web", Action: models.ActionStart, Schedule: "not a cron"},
		{Name: "bad", Target: "web", Action: models.ActionStart, Schedule: "* * * * * *"},
		{Name: "bad", Target: "web", Action: models.ActionStart, Schedule: "@every 5m"},
	}
	for _, input := range cases {
		_, err := h.engine.Register(context.Background(), input)
		require.ErrorIs(t, err, models.ErrInvalidSchedule, input.Schedule)
		assert.True(t, models.IsValidation(err))
	}

	_, err := h.engine.Register(context.Background(), models.ScheduledTaskInput{
		Name: "bad", Target: "web", Action: "explode", Schedule: "@hourly",
	})
	assert.True(t, models.IsValidation(err))
	assert.Empty(t, h.engine.List())
}

func TestRegisterRejectsUnsafeIDs(t *testing.T) {
	h := newHarness(t, epoch)
	for _, id := range []string{"ops/nightly", "x\ny", "-dash", "a b"} {
		_, err := h.engine.Register(context.Background(), models.ScheduledTaskInput{
			ID: id, Name: "x", Target: "web", Action: models.ActionStart, Schedule: "@hourly", Enabled: true,
		})
		require.ErrorIs(t, err, models.ErrInvalidID, "%q", id)
		assert.True(t, models.IsValidation(err))
	}
	assert.Empty(t, h.engine.List())
	assert.Equal(t, 0, h.clock.Pending())

	task := h.register(t, models.ScheduledTaskInput{
		ID: "nightly.restart_v2", Name: "x", Target: "web", Action: models.ActionRestart, Schedule: "@daily",
	})
	assert.Equal(t, "nightly.restart_v2", task.ID)
}

func TestRegisterStoreFailureLeavesNoTask(t *testing.T) {
	h := newHarness(t, epoch)
	h.store.failing = true
	_, err := h.engine.Register(context.Background(), models.ScheduledTaskInput{
		Name: "x", Target: "web", Action: models.ActionStart, Schedule: "@hourly", Enabled: true,
	})
	require.Error(t, err)
	assert.Empty(t, h.engine.List())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestScheduledTaskFiresOnceAfterFifteenMinutes(t *testing.T) {
	h := newHarness(t, epoch)
	sub := h.bus.Subscribe(events.KindIs(events.KindTaskExecuted))
	defer sub.Close()

	task := h.register(t, models.ScheduledTaskInput{
		Name: "wake web", Target: "web", Action: models.ActionStart, Schedule: "*/15 * * * *", Enabled: true,
	})
	require.Equal(t, epoch.Add(15*time.Minute), *task.NextRun)

	h.clock.Advance(14 * time.Minute)
	h.settle()
	assert.Equal(t, 0, h.adapter.Calls("start", "c1"))

	h.clock.Advance(time.Minute)
	h.settle()
	assert.Equal(t, 1, h.adapter.Calls("start", "c1"))
	assert.Equal(t, runtime.StateRunning, h.adapter.State("c1"))

	select {
	case ev := <-sub.C():
		payload := ev.Payload.(events.TaskExecutedPayload)
		assert.True(t, payload.Execution.Success)
		assert.Equal(t, models.TriggerSchedule, payload.Execution.Trigger)
		require.NotNil(t, payload.Task.LastRun)
		assert.Equal(t, epoch.Add(15*time.Minute), *payload.Task.LastRun)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected task.executed event")
	}

	got, err := h.engine.Get(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, epoch.Add(30*time.Minute), *got.NextRun)
}

func TestDisableThenEnableDoesNotBackfill(t *testing.T) {
	h := newHarness(t, epoch)
	task := h.register(t, models.ScheduledTaskInput{
		Name: "restart api", Target: "api", Action: models.ActionRestart, Schedule: "*/5 * * * *", Enabled: true,
	})

	disabled := false
	updated, err := h.engine.Update(context.Background(), task.ID, models.ScheduledTaskPatch{Enabled: &disabled})
	require.NoError(t, err)
	assert.Nil(t, updated.NextRun)
	assert.Equal(t, models.TaskInactive, updated.Status)

	h.clock.Advance(time.Hour)
	h.settle()
	assert.Equal(t, 0, h.adapter.Calls("restart", "c2"))

	enabled := true
	updated, err = h.engine.Update(context.Background(), task.ID, models.ScheduledTaskPatch{Enabled: &enabled})
	require.NoError(t, err)
	require.NotNil(t, updated.NextRun)
	assert.Equal(t, epoch.Add(65*time.Minute), *updated.NextRun)
	assert.Equal(t, 0, h.adapter.Calls("restart", "c2"))

	h.clock.Advance(5 * time.Minute)
	h.settle()
	assert.Equal(t, 1, h.adapter.Calls("restart", "c2"))
}

func TestUpdateScheduleRearms(t *testing.T) {
	h := newHarness(t, epoch)
	task := h.register(t, models.ScheduledTaskInput{
		Name: "hourly", Target: "web", Action: models.ActionStart, Schedule: "@hourly", Enabled: true,
	})
	expr := "*/10 * * * *"
	updated, err := h.engine.Update(context.Background(), task.ID, models.ScheduledTaskPatch{Schedule: &expr})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(10*time.Minute), *updated.NextRun)

	bad := "every tuesday"
	_, err = h.engine.Update(context.Background(), task.ID, models.ScheduledTaskPatch{Schedule: &bad})
	require.ErrorIs(t, err, models.ErrInvalidSchedule)
	got, _ := h.engine.Get(task.ID)
	assert.Equal(t, expr, got.Schedule)

	h.clock.Advance(10 * time.Minute)
	h.settle()
	assert.Equal(t, 1, h.adapter.Calls("start", "c1"))
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	h := newHarness(t, epoch)
	enabled := true
	_, err := h.engine.Update(context.Background(), "missing", models.ScheduledTaskPatch{Enabled: &enabled})
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
	assert.ErrorIs(t, h.engine.Remove(context.Background(), "missing"), models.ErrTaskNotFound)
	_, err = h.engine.RunNow(context.Background(), "missing")
	assert.True(t, models.IsNotFound(err))
}

func TestRemoveCancelsPendingFiring(t *testing.T) {
	h := newHarness(t, epoch)
	task := h.register(t, models.ScheduledTaskInput{
		Name: "start web", Target: "web", Action: models.ActionStart, Schedule: "*/15 * * * *", Enabled: true,
	})
	require.NoError(t, h.engine.Remove(context.Background(), task.ID))
	_, ok := h.store.get(task.ID)
	assert.False(t, ok)

	h.clock.Advance(time.Hour)
	h.settle()
	assert.Equal(t, 0, h.adapter.Calls("start", "c1"))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestRunNowFailureKeepsTaskEnabled(t *testing.T) {
	h := newHarness(t, epoch)
	h.adapter.FailStart("c1", errors.New("port 8080 is already allocated"))
	task := h.register(t, models.ScheduledTaskInput{
		Name: "start web", Target: "web", Action: models.ActionStart, Schedule: "@daily", Enabled: true,
	})

	exec, err := h.engine.RunNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, exec.Success)
	assert.Contains(t, exec.Error, "port 8080 is already allocated")
	assert.Equal(t, models.TriggerManual, exec.Trigger)

	got, err := h.engine.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), *got.NextRun)
}

func TestGroupTargetActsOnEveryMember(t *testing.T) {
	h := newHarness(t, epoch)
	task := h.register(t, models.ScheduledTaskInput{
		Name: "stop front", Target: "front", TargetKind: models.TargetGroup, Action: models.ActionStop, Schedule: "@hourly", Enabled: true,
	})
	exec, err := h.engine.RunNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, exec.Success)
	assert.ElementsMatch(t, []string{"c1", "c2"}, exec.Targets)
	assert.Equal(t, 1, h.adapter.Calls("stop", "c1"))
	assert.Equal(t, 1, h.adapter.Calls("stop", "c2"))
	assert.Equal(t, 0, h.adapter.Calls("stop", "c3"))

	empty := h.register(t, models.ScheduledTaskInput{
		Name: "stop back", Target: "back", TargetKind: models.TargetGroup, Action: models.ActionStop, Schedule: "@hourly", Enabled: true,
	})
	exec, err = h.engine.RunNow(context.Background(), empty.ID)
	require.NoError(t, err)
	assert.False(t, exec.Success)
}

func TestUpdateActionIsNoOp(t *testing.T) {
	h := newHarness(t, epoch)
	task := h.register(t, models.ScheduledTaskInput{
		Name: "update db", Target: "db", Action: models.ActionUpdate, Schedule: "@weekly", Enabled: true,
	})
	exec, err := h.engine.RunNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, exec.Success)
	assert.Equal(t, 0, h.adapter.Calls("restart", "c3"))
	assert.Equal(t, 0, h.adapter.Calls("start", "c3"))
	assert.Equal(t, 0, h.adapter.Calls("stop", "c3"))
}

func TestRestoreRecomputesNextRunFromNow(t *testing.T) {
	h := newHarness(t, epoch)
	stale := epoch.Add(-3 * time.Hour)
	err := h.engine.Restore(context.Background(), []models.ScheduledTask{
		{ID: "t-1", Name: "restored", Target: "web", TargetKind: models.TargetWorkload, Action: models.ActionStart, Schedule: "*/15 * * * *", Enabled: true, NextRun: &stale},
		{ID: "t-2", Name: "broken", Target: "web", TargetKind: models.TargetWorkload, Action: models.ActionStart, Schedule: "bogus", Enabled: true},
		{ID: "ops/t-3", Name: "unreachable", Target: "web", TargetKind: models.TargetWorkload, Action: models.ActionStop, Schedule: "@hourly", Enabled: true},
	})
	require.NoError(t, err)

	tasks := h.engine.List()
	require.Len(t, tasks, 2)
	assert.Equal(t, "t-1", tasks[0].ID)
	assert.Equal(t, epoch.Add(15*time.Minute), *tasks[0].NextRun)
	assert.False(t, tasks[1].Enabled)

	h.settle()
	assert.Equal(t, 0, h.adapter.Calls("start", "c1"))
	h.clock.Advance(15 * time.Minute)
	h.settle()
	assert.Equal(t, 1, h.adapter.Calls("start", "c1"))
}

func TestNextRuns(t *testing.T) {
	runs, err := NextRuns("0 9 * * 1-5", time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), runs[1])
}
