// Package schedule owns scheduled tasks and fires their workload actions at
// the wall-clock moments their cron expressions describe.
package schedule

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/berth-dev/berth/internal/clock"
	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

// Store persists tasks. A nil Store keeps tasks in memory only.
type Store interface {
	UpsertScheduledTask(ctx context.Context, task models.ScheduledTask) error
	DeleteScheduledTask(ctx context.Context, id string) error
}

// Publisher receives domain events.
type Publisher interface {
	Publish(ev events.Event) events.Event
}

// ExecutionRecorder observes finished executions (metrics).
type ExecutionRecorder interface {
	RecordTaskExecution(exec models.TaskExecution)
}

type entry struct {
	task  models.ScheduledTask
	sched cron.Schedule
	gen   uint64
}

// Engine owns the task set. A single timer is armed for the earliest due task
// and re-armed after every firing; executions run off the timer callback.
type Engine struct {
	adapter  runtime.Adapter
	bus      Publisher
	store    Store
	clock    clock.Clock
	location *time.Location
	recorder ExecutionRecorder
	logger   *log.Logger

	mu      sync.Mutex
	tasks   map[string]*entry
	queue   timerQueue
	timer   clock.Timer
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds an Engine. Call Start to begin firing.
func NewEngine(adapter runtime.Adapter, bus Publisher, store Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		adapter:  adapter,
		bus:      bus,
		store:    store,
		clock:    clock.Real{},
		location: time.Local,
		logger:   logger,
		tasks:    make(map[string]*entry),
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	if e == nil || c == nil {
		return e
	}
	e.clock = c
	return e
}

// WithLocation sets the time zone cron expressions are evaluated in.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	if e == nil || loc == nil {
		return e
	}
	e.location = loc
	return e
}

// WithRecorder attaches an execution observer.
func (e *Engine) WithRecorder(r ExecutionRecorder) *Engine {
	if e == nil {
		return e
	}
	e.recorder = r
	return e
}

// Start arms the timer for every enabled task.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.armLocked()
	e.logger.Printf("schedule: started with %d task(s)", len(e.tasks))
}

// Stop disarms the timer and waits for in-flight executions.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// Register validates input and adds a task, arming it when enabled.
func (e *Engine) Register(ctx context.Context, input models.ScheduledTaskInput) (models.ScheduledTask, error) {
	sched, err := validateInput(input)
	if err != nil {
		return models.ScheduledTask{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := models.ValidateID(id); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("task id: %w", err)
	}
	if _, exists := e.tasks[id]; exists {
		return models.ScheduledTask{}, fmt.Errorf("%w: task %s already exists", models.ErrValidation, id)
	}
	now := e.clock.Now()
	kind := input.TargetKind
	if kind == "" {
		kind = models.TargetWorkload
	}
	task := models.ScheduledTask{
		ID:          id,
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Target:      strings.TrimSpace(input.Target),
		TargetKind:  kind,
		Action:      input.Action,
		Schedule:    strings.TrimSpace(input.Schedule),
		Enabled:     input.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.applyEnabled(&task, sched, now)
	if err := e.persist(ctx, task); err != nil {
		return models.ScheduledTask{}, err
	}
	ent := &entry{task: task, sched: sched}
	e.tasks[id] = ent
	e.enqueueLocked(ent)
	e.armLocked()
	e.logger.Printf("schedule: registered task=%s action=%s target=%s schedule=%q enabled=%t", task.ID, task.Action, task.Target, task.Schedule, task.Enabled)
	return task, nil
}

// Update applies patch to an existing task. Enabling recomputes next-run from
// now; missed firings are never backfilled.
func (e *Engine) Update(ctx context.Context, id string, patch models.ScheduledTaskPatch) (models.ScheduledTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.tasks[id]
	if !ok {
		return models.ScheduledTask{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	task := ent.task
	wasEnabled := task.Enabled
	scheduleChanged := false
	if patch.Name != nil {
		task.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		task.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Target != nil {
		task.Target = strings.TrimSpace(*patch.Target)
	}
	if patch.TargetKind != nil {
		task.TargetKind = *patch.TargetKind
	}
	if patch.Action != nil {
		task.Action = *patch.Action
	}
	if patch.Schedule != nil && strings.TrimSpace(*patch.Schedule) != task.Schedule {
		task.Schedule = strings.TrimSpace(*patch.Schedule)
		scheduleChanged = true
	}
	if patch.Enabled != nil {
		task.Enabled = *patch.Enabled
	}
	sched, err := validateInput(models.ScheduledTaskInput{
		Name:       task.Name,
		Target:     task.Target,
		TargetKind: task.TargetKind,
		Action:     task.Action,
		Schedule:   task.Schedule,
	})
	if err != nil {
		return models.ScheduledTask{}, err
	}

	now := e.clock.Now()
	task.UpdatedAt = now
	if !task.Enabled || !wasEnabled || scheduleChanged || task.NextRun == nil {
		e.applyEnabled(&task, sched, now)
	}
	if err := e.persist(ctx, task); err != nil {
		return models.ScheduledTask{}, err
	}
	ent.task = task
	ent.sched = sched
	ent.gen++
	e.enqueueLocked(ent)
	e.armLocked()
	e.logger.Printf("schedule: updated task=%s enabled=%t next_run=%s", task.ID, task.Enabled, formatNext(task.NextRun))
	return task, nil
}

// Remove disarms and discards a task. Unknown ids return ErrTaskNotFound.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	if e.store != nil {
		if err := e.store.DeleteScheduledTask(ctx, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	delete(e.tasks, id)
	e.armLocked()
	e.logger.Printf("schedule: removed task=%s", id)
	return nil
}

// Get returns a task snapshot.
func (e *Engine) Get(id string) (models.ScheduledTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.tasks[id]
	if !ok {
		return models.ScheduledTask{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return ent.task, nil
}

// List returns all tasks ordered by id.
func (e *Engine) List() []models.ScheduledTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ScheduledTask, 0, len(e.tasks))
	for _, ent := range e.tasks {
		out = append(out, ent.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads persisted tasks. Next-run is recomputed from now so downtime
// is never backfilled. Tasks with an unparsable schedule are kept but disabled.
func (e *Engine) Restore(ctx context.Context, tasks []models.ScheduledTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	for _, task := range tasks {
		if err := models.ValidateID(task.ID); err != nil {
			e.logger.Printf("schedule: restore skipped task %q: %v", task.ID, err)
			continue
		}
		sched, err := ParseSchedule(task.Schedule)
		if err != nil {
			e.logger.Printf("schedule: restore task=%s disabled: %v", task.ID, err)
			task.Enabled = false
			task.NextRun = nil
			task.Status = models.TaskInactive
			e.tasks[task.ID] = &entry{task: task}
			continue
		}
		e.applyEnabled(&task, sched, now)
		if err := e.persist(ctx, task); err != nil {
			return err
		}
		ent := &entry{task: task, sched: sched}
		e.tasks[task.ID] = ent
		e.enqueueLocked(ent)
	}
	e.armLocked()
	return nil
}

func (e *Engine) applyEnabled(task *models.ScheduledTask, sched cron.Schedule, now time.Time) {
	if !task.Enabled || sched == nil {
		task.NextRun = nil
		task.Status = models.TaskInactive
		return
	}
	next := sched.Next(now.In(e.location))
	task.NextRun = &next
	task.Status = models.TaskActive
}

func (e *Engine) persist(ctx context.Context, task models.ScheduledTask) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.UpsertScheduledTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

func (e *Engine) enqueueLocked(ent *entry) {
	if !ent.task.Enabled || ent.task.NextRun == nil {
		return
	}
	e.queue.push(queueItem{id: ent.task.ID, at: *ent.task.NextRun, gen: ent.gen})
}

func (e *Engine) staleLocked(item queueItem) bool {
	ent, ok := e.tasks[item.id]
	return !ok || ent.gen != item.gen || !ent.task.Enabled
}

// armLocked points the single timer at the earliest live queue item.
func (e *Engine) armLocked() {
	for {
		head, ok := e.queue.peek()
		if !ok || !e.staleLocked(head) {
			break
		}
		e.queue.pop()
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	head, ok := e.queue.peek()
	if !e.started || !ok {
		return
	}
	delay := head.at.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = e.clock.AfterFunc(delay, e.onTimer)
}

func (e *Engine) onTimer() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	var due []models.ScheduledTask
	for {
		head, ok := e.queue.peek()
		if !ok {
			break
		}
		if e.staleLocked(head) {
			e.queue.pop()
			continue
		}
		if head.at.After(now) {
			break
		}
		e.queue.pop()
		ent := e.tasks[head.id]
		next := ent.sched.Next(now.In(e.location))
		ent.task.NextRun = &next
		ent.gen++
		e.enqueueLocked(ent)
		due = append(due, ent.task)
	}
	e.armLocked()
	ctx := e.ctx
	e.wg.Add(len(due))
	e.mu.Unlock()

	for _, task := range due {
		go func(task models.ScheduledTask) {
			defer e.wg.Done()
			e.execute(ctx, task, models.TriggerSchedule)
		}(task)
	}
}

func validateInput(input models.ScheduledTaskInput) (cron.Schedule, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	}
	if strings.TrimSpace(input.Target) == "" {
		return nil, fmt.Errorf("%w: target is required", models.ErrValidation)
	}
	if input.TargetKind != "" && !input.TargetKind.Valid() {
		return nil, fmt.Errorf("%w: unknown target kind %q", models.ErrValidation, input.TargetKind)
	}
	if !input.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", models.ErrValidation, input.Action)
	}
	return ParseSchedule(input.Schedule)
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
