// Package models provides data structures and constants for berth.
//
// This package contains the core domain models used throughout berth:
//   - ScheduledTask: A recurring start/stop/restart action against a workload or group
//   - ProxyRule: A subdomain routing rule compiled into the reverse-proxy config
//   - WakeSession: The ephemeral state of one wake-on-request operation
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"strings"
	"time"
)

// TaskAction is the workload action a scheduled task performs.
type TaskAction string

const (
	ActionStart   TaskAction = "start"
	ActionStop    TaskAction = "stop"
	ActionRestart TaskAction = "restart"
	// ActionUpdate has no runtime semantics and executes as a successful no-op.
	ActionUpdate TaskAction = "update"
)

// Valid reports whether the action is one of the known actions.
func (a TaskAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionUpdate:
		return true
	default:
		return false
	}
}

// TargetKind selects how a task target reference is resolved.
type TargetKind string

const (
	TargetWorkload TargetKind = "workload"
	TargetGroup    TargetKind = "group"
)

// Valid reports whether the kind is known.
func (k TargetKind) Valid() bool {
	return k == TargetWorkload || k == TargetGroup
}

// TaskStatus is derived from the enabled flag and recomputed on every mutation.
type TaskStatus string

const (
	TaskActive   TaskStatus = "active"
	TaskInactive TaskStatus = "inactive"
)

// ScheduledTask represents a recurring workload action.
//
// Fields:
//   - ID: Opaque identifier (uuid)
//   - Target: Workload id/name or group id, depending on TargetKind
//   - Schedule: Five-field cron expression or descriptor (@hourly, @daily, ...)
//   - LastRun: When the task last fired (nil if never)
//   - NextRun: Earliest future firing time (nil when disabled)
//   - Status: active when enabled, inactive otherwise
type ScheduledTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Target      string     `json:"target"`
	TargetKind  TargetKind `json:"target_kind"`
	Action      TaskAction `json:"action"`
	Schedule    string     `json:"schedule"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ScheduledTaskInput is the operator-supplied shape used to register a task.
// ID is optional; a new one is generated when empty.
type ScheduledTaskInput struct {
	ID          string     `json:"id,omitempty" toml:"id"`
	Name        string     `json:"name" toml:"name"`
	Description string     `json:"description,omitempty" toml:"description"`
	Target      string     `json:"target" toml:"target"`
	TargetKind  TargetKind `json:"target_kind,omitempty" toml:"target_kind"`
	Action      TaskAction `json:"action" toml:"action"`
	Schedule    string     `json:"schedule" toml:"schedule"`
	Enabled     bool       `json:"enabled" toml:"enabled"`
}

// ScheduledTaskPatch carries optional updates; nil fields are left unchanged.
type ScheduledTaskPatch struct {
	Name        *string     `json:"name,omitempty"`
	Description *string     `json:"description,omitempty"`
	Target      *string     `json:"target,omitempty"`
	TargetKind  *TargetKind `json:"target_kind,omitempty"`
	Action      *TaskAction `json:"action,omitempty"`
	Schedule    *string     `json:"schedule,omitempty"`
	Enabled     *bool       `json:"enabled,omitempty"`
}

// ExecutionTrigger records why a task executed.
type ExecutionTrigger string

const (
	TriggerSchedule ExecutionTrigger = "schedule"
	TriggerManual   ExecutionTrigger = "manual"
)

// TaskExecution is the outcome of a single firing.
// Success and failure are both terminal; a failed firing is never retried.
type TaskExecution struct {
	TaskID     string           `json:"task_id"`
	Trigger    ExecutionTrigger `json:"trigger"`
	Action     TaskAction       `json:"action"`
	Targets    []string         `json:"targets,omitempty"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// RuleStatus is the compile or health status of a proxy rule.
type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
	RuleError    RuleStatus = "error"
	RulePending  RuleStatus = "pending"
)

// ProxyRule maps a public subdomain to a target URL.
//
// The (Subdomain, Domain) pair is unique across all rules. AutoGenerated rules
// are owned by WorkloadRef and are removed only when that workload disappears.
type ProxyRule struct {
	ID            string     `json:"id"`
	Subdomain     string     `json:"subdomain"`
	Domain        string     `json:"domain"`
	Target        string     `json:"target"`
	WorkloadRef   string     `json:"workload_ref,omitempty"`
	TLS           bool       `json:"tls"`
	HealthCheck   bool       `json:"health_check"`
	AutoGenerated bool       `json:"auto_generated"`
	Status        RuleStatus `json:"status"`
	StatusMessage string     `json:"status_message,omitempty"`
	LastCheck     *time.Time `json:"last_check,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Host returns the fully qualified host name the rule serves.
func (r ProxyRule) Host() string {
	sub, domain := normalizeLabel(r.Subdomain), normalizeLabel(r.Domain)
	switch {
	case sub == "":
		return domain
	case domain == "":
		return sub
	default:
		return sub + "." + domain
	}
}

// Key returns the normalized uniqueness key for the rule.
func (r ProxyRule) Key() string {
	return normalizeLabel(r.Subdomain) + "|" + normalizeLabel(r.Domain)
}

func normalizeLabel(value string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(value)), ".")
}

// ProxyRuleInput is the operator-supplied shape used to upsert a rule.
// An empty ID creates a new rule.
type ProxyRuleInput struct {
	ID            string `json:"id,omitempty" toml:"id"`
	Subdomain     string `json:"subdomain" toml:"subdomain"`
	Domain        string `json:"domain" toml:"domain"`
	Target        string `json:"target" toml:"target"`
	WorkloadRef   string `json:"workload_ref,omitempty" toml:"workload_ref"`
	TLS           bool   `json:"tls" toml:"tls"`
	HealthCheck   bool   `json:"health_check" toml:"health_check"`
	AutoGenerated bool   `json:"auto_generated,omitempty" toml:"-"`
}

// WakeState represents the position of a wake session in its state machine.
//
//	idle → resolving → (already_running | starting) → health_checking → ready
//
// starting and health_checking may transition to failed. ready and failed are terminal.
type WakeState string

const (
	WakeIdle           WakeState = "idle"
	WakeResolving      WakeState = "resolving"
	WakeAlreadyRunning WakeState = "already_running"
	WakeStarting       WakeState = "starting"
	WakeHealthChecking WakeState = "health_checking"
	WakeReady          WakeState = "ready"
	WakeFailed         WakeState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s WakeState) Terminal() bool {
	return s == WakeReady || s == WakeFailed
}

// WakeSession is the ephemeral record of one wake request. It is never persisted.
type WakeSession struct {
	ID          string        `json:"id"`
	Identifier  string        `json:"identifier"`
	WorkloadID  string        `json:"workload_id,omitempty"`
	Workload    string        `json:"workload,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	State       WakeState     `json:"state"`
	Elapsed     time.Duration `json:"elapsed"`
	Polls       int           `json:"polls,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}
