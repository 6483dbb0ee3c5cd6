// Package seed applies a declarative TOML file of tasks and proxy rules.
//
// A seed file lists [[task]] and [[rule]] tables with fixed ids:
//
//	[[task]]
//	id = "nightly-restart"
//	name = "Nightly restart"
//	target = "api"
//	action = "restart"
//	schedule = "0 3 * * *"
//	enabled = true
//
//	[[rule]]
//	id = "api"
//	subdomain = "api"
//	domain = "example.com"
//	target = "http://api:8080"
//	tls = true
//
// Applying is idempotent: existing ids are updated in place, new ids are
// created, and entries missing from the file are left untouched.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/berth-dev/berth/internal/models"
)

// File is the decoded seed file.
type File struct {
	Tasks []models.ScheduledTaskInput `toml:"task"`
	Rules []models.ProxyRuleInput     `toml:"rule"`
}

// Load reads and validates the seed file at path. Unknown keys are rejected.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates seed file contents.
func Parse(data []byte) (File, error) {
	var file File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return File{}, fmt.Errorf("parse seed: %s", strings.TrimSpace(strict.String()))
		}
		return File{}, fmt.Errorf("parse seed: %w", err)
	}
	if err := file.Validate(); err != nil {
		return File{}, err
	}
	return file, nil
}

// Validate checks that every entry carries a unique, well-formed id. Field
// validation is left to the engine and the compiler.
func (f File) Validate() error {
	seen := make(map[string]bool, len(f.Tasks))
	for i, task := range f.Tasks {
		id := strings.TrimSpace(task.ID)
		if id == "" {
			return fmt.Errorf("%w: task #%d: id is required", models.ErrValidation, i+1)
		}
		if err := models.ValidateID(id); err != nil {
			return fmt.Errorf("task #%d: %w", i+1, err)
		}
		if seen[id] {
			return fmt.Errorf("%w: task %s is declared twice", models.ErrValidation, id)
		}
		seen[id] = true
	}
	seen = make(map[string]bool, len(f.Rules))
	for i, rule := range f.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return fmt.Errorf("%w: rule #%d: id is required", models.ErrValidation, i+1)
		}
		if err := models.ValidateID(id); err != nil {
			return fmt.Errorf("rule #%d: %w", i+1, err)
		}
		if seen[id] {
			return fmt.Errorf("%w: rule %s is declared twice", models.ErrValidation, id)
		}
		seen[id] = true
	}
	return nil
}

// TaskRegistry is the slice of the schedule engine the applier needs.
type TaskRegistry interface {
	Get(id string) (models.ScheduledTask, error)
	Register(ctx context.Context, input models.ScheduledTaskInput) (models.ScheduledTask, error)
	Update(ctx context.Context, id string, patch models.ScheduledTaskPatch) (models.ScheduledTask, error)
}

// RuleRegistry is the slice of the proxy compiler the applier needs.
type RuleRegistry interface {
	Upsert(ctx context.Context, input models.ProxyRuleInput) (models.ProxyRule, error)
}

// Result counts what an Apply changed.
type Result struct {
	TasksCreated int
	TasksUpdated int
	Rules        int
	Failed       int
}

// Applier pushes seed entries into the engine and the compiler.
type Applier struct {
	tasks  TaskRegistry
	rules  RuleRegistry
	logger *log.Logger
}

func NewApplier(tasks TaskRegistry, rules RuleRegistry, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.Default()
	}
	return &Applier{tasks: tasks, rules: rules, logger: logger}
}

// Apply registers or updates every entry. A failing entry does not stop the
// others; all failures are joined into the returned error.
func (a *Applier) Apply(ctx context.Context, file File) (Result, error) {
	var res Result
	var errs []error
	for _, input := range file.Tasks {
		input.ID = strings.TrimSpace(input.ID)
		created, err := a.applyTask(ctx, input)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("task %s: %w", input.ID, err))
			continue
		}
		if created {
			res.TasksCreated++
		} else {
			res.TasksUpdated++
		}
	}
	for _, input := range file.Rules {
		input.AutoGenerated = false
		if _, err := a.rules.Upsert(ctx, input); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("rule %s: %w", strings.TrimSpace(input.ID), err))
			continue
		}
		res.Rules++
	}
	a.logger.Printf("seed: tasks created=%d updated=%d rules=%d failed=%d", res.TasksCreated, res.TasksUpdated, res.Rules, res.Failed)
	return res, errors.Join(errs...)
}

func (a *Applier) applyTask(ctx context.Context, input models.ScheduledTaskInput) (bool, error) {
	if _, err := a.tasks.Get(input.ID); err != nil {
		if !models.IsNotFound(err) {
			return false, err
		}
		_, err := a.tasks.Register(ctx, input)
		return err == nil, err
	}
	kind := input.TargetKind
	if kind == "" {
		kind = models.TargetWorkload
	}
	_, err := a.tasks.Update(ctx, input.ID, models.ScheduledTaskPatch{
		Name:        &input.Name,
		Description: &input.Description,
		Target:      &input.Target,
		TargetKind:  &kind,
		Action:      &input.Action,
		Schedule:    &input.Schedule,
		Enabled:     &input.Enabled,
	})
	return false, err
}
