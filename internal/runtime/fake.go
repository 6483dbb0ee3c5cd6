// ABOUTME: This file provides a deterministic in-memory Adapter for tests.
// It simulates workload lifecycle, scripted health progressions, and injected failures.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FakeAdapter implements Adapter with in-memory state for tests.
// It is deterministic and safe for concurrent use.
type FakeAdapter struct {
	mu        sync.Mutex
	workloads map[string]*fakeWorkload
	calls     map[string]int
	// StartDelay, when set, is slept inside Start to widen race windows in tests.
	StartDelay time.Duration
}

type fakeWorkload struct {
	detail WorkloadDetail
	// healthAfter is the number of Inspect calls after a start that report
	// HealthStarting before the workload turns healthy. -1 never turns healthy.
	hasHealth      bool
	healthAfter    int
	pendingInspect int
	inspectErrs    int
	startErr       error
	stopErr        error
	restartErr     error
}

// NewFakeAdapter returns a FakeAdapter with no workloads.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		workloads: make(map[string]*fakeWorkload),
		calls:     make(map[string]int),
	}
}

var _ Adapter = (*FakeAdapter)(nil)

// Add seeds a workload. Labels are copied.
func (f *FakeAdapter) Add(id, name string, state State, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	f.workloads[id] = &fakeWorkload{
		detail: WorkloadDetail{
			WorkloadSummary: WorkloadSummary{ID: id, Name: name, State: state, Labels: copied},
		},
	}
}

// Remove deletes a workload as if it were destroyed outside berth.
func (f *FakeAdapter) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workloads, id)
}

// SetHealthAfter makes the workload expose a health status: after each start
// it reports "starting" for polls inspects, then "healthy". A negative value
// keeps it "starting" forever.
func (f *FakeAdapter) SetHealthAfter(id string, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[id]; ok {
		w.hasHealth = true
		w.healthAfter = polls
		f.resetHealthLocked(w)
	}
}

// FailInspect makes the next n Inspect calls for id fail.
func (f *FakeAdapter) FailInspect(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[id]; ok {
		w.inspectErrs = n
	}
}

// FailStart makes every Start for id return err (nil clears).
func (f *FakeAdapter) FailStart(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[id]; ok {
		w.startErr = err
	}
}

// FailStop makes every Stop for id return err (nil clears).
func (f *FakeAdapter) FailStop(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[id]; ok {
		w.stopErr = err
	}
}

// FailRestart makes every Restart for id return err (nil clears).
func (f *FakeAdapter) FailRestart(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[id]; ok {
		w.restartErr = err
	}
}

// Calls returns how many times op was invoked for id ("start", "stop", "restart", "inspect").
func (f *FakeAdapter) Calls(op, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+id]
}

// State returns the current state of id.
func (f *FakeAdapter) State(id string) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workloads[id]; ok {
		return w.detail.State
	}
	return StateUnknown
}

func (f *FakeAdapter) List(_ context.Context) ([]WorkloadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkloadSummary, 0, len(f.workloads))
	for _, w := range f.workloads {
		out = append(out, w.detail.WorkloadSummary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeAdapter) Inspect(_ context.Context, id string) (WorkloadDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["inspect:"+id]++
	w, err := f.lookupLocked(id)
	if err != nil {
		return WorkloadDetail{}, adapterError("inspect", id, err)
	}
	if w.inspectErrs > 0 {
		w.inspectErrs--
		return WorkloadDetail{}, &AdapterError{Op: "inspect", ID: id, Message: "transient inspect failure"}
	}
	detail := w.detail
	if w.hasHealth && w.detail.State == StateRunning && w.detail.Health == HealthStarting && w.healthAfter >= 0 {
		if w.pendingInspect > 0 {
			w.pendingInspect--
		} else {
			w.detail.Health = HealthHealthy
			detail.Health = HealthHealthy
		}
	}
	return detail, nil
}

func (f *FakeAdapter) Start(ctx context.Context, id string) error {
	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return adapterError("start", id, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["start:"+id]++
	w, err := f.lookupLocked(id)
	if err != nil {
		return adapterError("start", id, err)
	}
	if w.startErr != nil {
		return adapterError("start", id, w.startErr)
	}
	w.detail.State = StateRunning
	f.resetHealthLocked(w)
	return nil
}

func (f *FakeAdapter) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["stop:"+id]++
	w, err := f.lookupLocked(id)
	if err != nil {
		return adapterError("stop", id, err)
	}
	if w.stopErr != nil {
		return adapterError("stop", id, w.stopErr)
	}
	w.detail.State = StateStopped
	return nil
}

func (f *FakeAdapter) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["restart:"+id]++
	w, err := f.lookupLocked(id)
	if err != nil {
		return adapterError("restart", id, err)
	}
	if w.restartErr != nil {
		return adapterError("restart", id, w.restartErr)
	}
	w.detail.State = StateRunning
	f.resetHealthLocked(w)
	return nil
}

func (f *FakeAdapter) resetHealthLocked(w *fakeWorkload) {
	if !w.hasHealth {
		return
	}
	if w.healthAfter == 0 {
		w.detail.Health = HealthHealthy
		return
	}
	w.detail.Health = HealthStarting
	w.pendingInspect = w.healthAfter
}

func (f *FakeAdapter) lookupLocked(ref string) (*fakeWorkload, error) {
	if w, ok := f.workloads[ref]; ok {
		return w, nil
	}
	for _, w := range f.workloads {
		if w.detail.Name == ref {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrWorkloadNotFound, ref)
}
