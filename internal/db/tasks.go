// ABOUTME: Scheduled task persistence for the schedule engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/berth-dev/berth/internal/models"
)

const taskColumns = `id, name, description, target, target_kind, action, schedule, enabled, status,
	last_run, next_run, created_at, updated_at`

// UpsertScheduledTask inserts or replaces a task row keyed by id.
func (s *Store) UpsertScheduledTask(ctx context.Context, task models.ScheduledTask) error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			target = excluded.target,
			target_kind = excluded.target_kind,
			action = excluded.action,
			schedule = excluded.schedule,
			enabled = excluded.enabled,
			status = excluded.status,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at`,
		task.ID,
		task.Name,
		nullIfEmpty(task.Description),
		task.Target,
		string(task.TargetKind),
		string(task.Action),
		task.Schedule,
		boolToInt(task.Enabled),
		string(task.Status),
		nullTime(task.LastRun),
		nullTime(task.NextRun),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert scheduled task %s: %w", task.ID, err)
	}
	return nil
}

// GetScheduledTask loads a task by id. A missing row returns sql.ErrNoRows.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (models.ScheduledTask, error) {
	if s == nil || s.DB == nil {
		return models.ScheduledTask{}, errNilStore
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, strings.TrimSpace(id))
	return scanTaskRow(row)
}

// ListScheduledTasks returns all tasks ordered by id.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledTask
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", err)
	}
	return out, nil
}

// DeleteScheduledTask removes a task. Deleting an absent id is not an error;
// the engine owns not-found semantics.
func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("delete scheduled task %s: %w", id, err)
	}
	return nil
}

func scanTaskRow(scanner rowScanner) (models.ScheduledTask, error) {
	var task models.ScheduledTask
	var description, lastRun, nextRun sql.NullString
	var targetKind, action, status string
	var enabled int
	var createdAt, updatedAt string
	if err := scanner.Scan(
		&task.ID,
		&task.Name,
		&description,
		&task.Target,
		&targetKind,
		&action,
		&task.Schedule,
		&enabled,
		&status,
		&lastRun,
		&nextRun,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.ScheduledTask{}, err
	}
	task.Description = description.String
	task.TargetKind = models.TargetKind(targetKind)
	task.Action = models.TaskAction(action)
	task.Status = models.TaskStatus(status)
	task.Enabled = enabled != 0
	var err error
	if task.LastRun, err = parseNullTime(lastRun); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("parse last_run: %w", err)
	}
	if task.NextRun, err = parseNullTime(nextRun); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("parse next_run: %w", err)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("parse created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ScheduledTask{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return task, nil
}
