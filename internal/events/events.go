// Package events is berth's in-process publish/subscribe bus for domain events.
package events

import (
	"time"

	"github.com/berth-dev/berth/internal/models"
)

// Kind identifies the variant of an Event.
type Kind string

const (
	KindWorkloadStarted   Kind = "workload.started"
	KindWorkloadStopped   Kind = "workload.stopped"
	KindWorkloadRestarted Kind = "workload.restarted"
	KindTaskExecuted      Kind = "task.executed"
	KindRuleChanged       Kind = "rule.changed"
	KindConfigRegenerated Kind = "proxy.config_regenerated"
	KindWakeProgress      Kind = "wake.progress"
)

// Event is a domain event. Payload holds the variant matching Kind:
//
//	workload.*               WorkloadPayload
//	task.executed            TaskExecutedPayload
//	rule.changed             RuleChangedPayload
//	proxy.config_regenerated ConfigRegeneratedPayload
//	wake.progress            models.WakeSession
//
// Seq and Timestamp are assigned by the Bus on publish.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Source names the component that caused a workload transition.
type Source string

const (
	SourceSchedule Source = "schedule"
	SourceWake     Source = "wake"
	SourceIdle     Source = "idle"
)

type WorkloadPayload struct {
	WorkloadID string `json:"workload_id"`
	Name       string `json:"name,omitempty"`
	Source     Source `json:"source"`
	TaskID     string `json:"task_id,omitempty"`
}

type TaskExecutedPayload struct {
	Task      models.ScheduledTask `json:"task"`
	Execution models.TaskExecution `json:"execution"`
}

// ChangeType describes what happened to a rule.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
	ChangeStatus  ChangeType = "status"
)

type RuleChangedPayload struct {
	Rule   models.ProxyRule `json:"rule"`
	Change ChangeType       `json:"change"`
}

// ConfigRegeneratedPayload summarizes a compiled proxy artifact.
type ConfigRegeneratedPayload struct {
	Rules    int    `json:"rules"`
	Skipped  int    `json:"skipped"`
	Bytes    int    `json:"bytes"`
	Checksum string `json:"checksum"`
}

func WorkloadStarted(p WorkloadPayload) Event {
	return Event{Kind: KindWorkloadStarted, Payload: p}
}

func WorkloadStopped(p WorkloadPayload) Event {
	return Event{Kind: KindWorkloadStopped, Payload: p}
}

func WorkloadRestarted(p WorkloadPayload) Event {
	return Event{Kind: KindWorkloadRestarted, Payload: p}
}

func TaskExecuted(task models.ScheduledTask, exec models.TaskExecution) Event {
	return Event{Kind: KindTaskExecuted, Payload: TaskExecutedPayload{Task: task, Execution: exec}}
}

func RuleChanged(rule models.ProxyRule, change ChangeType) Event {
	return Event{Kind: KindRuleChanged, Payload: RuleChangedPayload{Rule: rule, Change: change}}
}

func ConfigRegenerated(p ConfigRegeneratedPayload) Event {
	return Event{Kind: KindConfigRegenerated, Payload: p}
}

func WakeProgress(session models.WakeSession) Event {
	return Event{Kind: KindWakeProgress, Payload: session}
}
