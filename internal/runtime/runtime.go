// Package runtime provides the adapter abstraction berth uses to manipulate workloads.
//
// ABOUTME: This package defines the Adapter interface and common types for workload
// lifecycle (list, inspect, start, stop, restart) with two implementations:
// DockerAdapter (Docker CLI) and FakeAdapter (deterministic, in-memory, for tests).
//
// ABOUTME: Serialized wraps any Adapter so that at most one mutating call is in flight
// per workload id; callers that need check-then-act semantics use Serialized.Lock.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// State represents the runtime state of a workload.
type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StatePaused  State = "paused"
)

// Health is the optional health status a workload may expose.
// An empty Health means the workload declares no health check.
type Health string

const (
	HealthNone      Health = ""
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Labels recognized on workloads.
const (
	LabelDomain      = "berth.domain"
	LabelGroup       = "berth.group"
	LabelPort        = "berth.port"
	LabelIdleMinutes = "berth.idle_minutes"
)

// WorkloadSummary is the list view of a workload.
type WorkloadSummary struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	State  State             `json:"state"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Domain returns the declared domain label, lowercased.
func (w WorkloadSummary) Domain() string {
	return strings.ToLower(strings.TrimSpace(w.Labels[LabelDomain]))
}

// Group returns the declared group label.
func (w WorkloadSummary) Group() string {
	return strings.TrimSpace(w.Labels[LabelGroup])
}

// WorkloadDetail is the inspect view of a workload.
type WorkloadDetail struct {
	WorkloadSummary
	Health Health `json:"health,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// Ready reports whether the workload is running and, if it exposes a health
// status, healthy.
func (d WorkloadDetail) Ready() bool {
	if d.State != StateRunning {
		return false
	}
	return d.Health == HealthNone || d.Health == HealthHealthy
}

// Adapter manipulates workloads. Implementations must tolerate concurrent calls.
type Adapter interface {
	List(ctx context.Context) ([]WorkloadSummary, error)
	// Inspect returns ErrWorkloadNotFound (wrapped) for unknown ids.
	Inspect(ctx context.Context, id string) (WorkloadDetail, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
}

// ErrWorkloadNotFound is returned when a workload id or name is unknown to the runtime.
var ErrWorkloadNotFound = errors.New("workload not found")

// AdapterError reports a failed runtime call. The message is surfaced verbatim.
type AdapterError struct {
	Op      string
	ID      string
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func adapterError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	return &AdapterError{Op: op, ID: id, Message: err.Error(), Err: err}
}

// FindWorkload resolves a workload reference (id, id prefix, or name) against a listing.
func FindWorkload(workloads []WorkloadSummary, ref string) (WorkloadSummary, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return WorkloadSummary{}, false
	}
	for _, w := range workloads {
		if w.ID == ref || w.Name == ref {
			return w, true
		}
	}
	if len(ref) >= 12 {
		for _, w := range workloads {
			if strings.HasPrefix(w.ID, ref) {
				return w, true
			}
		}
	}
	return WorkloadSummary{}, false
}
