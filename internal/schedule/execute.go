package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

// RunNow executes a task immediately through the same path as a scheduled
// firing. A failed action is reported in the returned execution, not as an error.
func (e *Engine) RunNow(ctx context.Context, id string) (models.TaskExecution, error) {
	task, err := e.Get(id)
	if err != nil {
		return models.TaskExecution{}, err
	}
	return e.execute(ctx, task, models.TriggerManual), nil
}

func (e *Engine) execute(ctx context.Context, task models.ScheduledTask, trigger models.ExecutionTrigger) models.TaskExecution {
	started := e.clock.Now()
	exec := models.TaskExecution{
		TaskID:    task.ID,
		Trigger:   trigger,
		Action:    task.Action,
		StartedAt: started,
	}
	targets, err := e.resolveTargets(ctx, task)
	if err == nil {
		for _, target := range targets {
			exec.Targets = append(exec.Targets, target.ID)
		}
		err = e.apply(ctx, task, targets)
	}
	exec.FinishedAt = e.clock.Now()
	exec.Success = err == nil
	if err != nil {
		exec.Error = err.Error()
		e.logger.Printf("schedule: task=%s action=%s failed: %v", task.ID, task.Action, err)
	} else {
		e.logger.Printf("schedule: task=%s action=%s targets=%d ok", task.ID, task.Action, len(exec.Targets))
	}

	snapshot := task
	e.mu.Lock()
	ent, ok := e.tasks[task.ID]
	if ok {
		lastRun := started
		ent.task.LastRun = &lastRun
		snapshot = ent.task
	}
	e.mu.Unlock()
	if ok {
		if perr := e.persist(context.WithoutCancel(ctx), snapshot); perr != nil {
			e.logger.Printf("schedule: %v", perr)
		}
	}
	if e.recorder != nil {
		e.recorder.RecordTaskExecution(exec)
	}
	if e.bus != nil {
		e.bus.Publish(events.TaskExecuted(snapshot, exec))
	}
	return exec
}

func (e *Engine) resolveTargets(ctx context.Context, task models.ScheduledTask) ([]runtime.WorkloadSummary, error) {
	switch task.TargetKind {
	case models.TargetGroup:
		list, err := e.adapter.List(ctx)
		if err != nil {
			return nil, err
		}
		var members []runtime.WorkloadSummary
		for _, w := range list {
			if w.Group() == task.Target {
				members = append(members, w)
			}
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("group %q: %w", task.Target, runtime.ErrWorkloadNotFound)
		}
		return members, nil
	default:
		detail, err := e.adapter.Inspect(ctx, task.Target)
		if err != nil {
			return nil, err
		}
		return []runtime.WorkloadSummary{detail.WorkloadSummary}, nil
	}
}

func (e *Engine) apply(ctx context.Context, task models.ScheduledTask, targets []runtime.WorkloadSummary) error {
	var errs []error
	for _, target := range targets {
		var (
			err  error
			kind events.Kind
		)
		switch task.Action {
		case models.ActionStart:
			err = e.adapter.Start(ctx, target.ID)
			kind = events.KindWorkloadStarted
		case models.ActionStop:
			err = e.adapter.Stop(ctx, target.ID)
			kind = events.KindWorkloadStopped
		case models.ActionRestart:
			err = e.adapter.Restart(ctx, target.ID)
			kind = events.KindWorkloadRestarted
		case models.ActionUpdate:
			// No-op placeholder: succeeds without touching the workload.
			continue
		default:
			err = fmt.Errorf("%w: unknown action %q", models.ErrValidation, task.Action)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if e.bus != nil {
			e.bus.Publish(events.Event{Kind: kind, Payload: events.WorkloadPayload{
				WorkloadID: target.ID,
				Name:       target.Name,
				Source:     events.SourceSchedule,
				TaskID:     task.ID,
			}})
		}
	}
	return errors.Join(errs...)
}
