// Package wake starts dormant workloads on request and waits until they are ready.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/berth-dev/berth/internal/clock"
	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/proxy"
	"github.com/berth-dev/berth/internal/runtime"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = time.Second
	DefaultMaxRetries   = 3
)

// Options bound a wake session. Zero fields take the orchestrator defaults.
type Options struct {
	Timeout      time.Duration `json:"timeout,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// MaxRetries is the number of consecutive failed inspections tolerated
	// while health checking. Nil takes the default; zero fails on the first.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Retries returns n for Options.MaxRetries.
func Retries(n int) *int {
	return &n
}

func (o Options) withDefaults(d Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxRetries == nil || *o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	return o
}

// RuleLookup resolves a host through the proxy rule set.
type RuleLookup interface {
	Lookup(host string) (models.ProxyRule, bool)
}

// Publisher receives domain events.
type Publisher interface {
	Publish(ev events.Event) events.Event
}

// SessionRecorder observes finished sessions (metrics, idle tracking).
type SessionRecorder interface {
	RecordWake(session models.WakeSession)
}

// Orchestrator runs wake sessions.
type Orchestrator struct {
	adapter  *runtime.Serialized
	rules    RuleLookup
	bus      Publisher
	clock    clock.Clock
	defaults Options
	recorder SessionRecorder
	logger   *log.Logger
	starts   singleflight.Group
}

// NewOrchestrator builds an Orchestrator. rules may be nil.
func NewOrchestrator(adapter *runtime.Serialized, rules RuleLookup, bus Publisher, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		adapter: adapter,
		rules:   rules,
		bus:     bus,
		clock:   clock.Real{},
		defaults: Options{
			Timeout:      DefaultTimeout,
			PollInterval: DefaultPollInterval,
			MaxRetries:   Retries(DefaultMaxRetries),
		},
		logger: logger,
	}
}

func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	if o == nil || c == nil {
		return o
	}
	o.clock = c
	return o
}

// WithDefaults sets the options used for zero fields in Wake.
func (o *Orchestrator) WithDefaults(d Options) *Orchestrator {
	if o == nil {
		return o
	}
	o.defaults = d.withDefaults(o.defaults)
	return o
}

func (o *Orchestrator) WithRecorder(r SessionRecorder) *Orchestrator {
	if o == nil {
		return o
	}
	o.recorder = r
	return o
}

// Wake resolves identifier to a workload, starts it if needed and waits until
// it is ready. On failure the returned session is in the failed state and the
// error wraps one of ErrTargetNotFound, ErrWakeTimeout, ErrHealthCheck,
// ErrWakeCancelled or a *runtime.AdapterError. A start already issued is never
// reversed.
func (o *Orchestrator) Wake(ctx context.Context, identifier string, opts Options) (models.WakeSession, error) {
	opts = opts.withDefaults(o.defaults)
	session := &models.WakeSession{
		ID:          uuid.NewString(),
		Identifier:  strings.TrimSpace(identifier),
		RequestedAt: o.clock.Now(),
		State:       models.WakeIdle,
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	deadline := o.clock.AfterFunc(opts.Timeout, func() { cancel(models.ErrWakeTimeout) })
	defer deadline.Stop()

	err := o.run(ctx, session, opts)
	if err != nil {
		o.fail(session, err)
	}
	if o.recorder != nil {
		o.recorder.RecordWake(*session)
	}
	return *session, err
}

func (o *Orchestrator) run(ctx context.Context, s *models.WakeSession, opts Options) error {
	o.transition(s, models.WakeResolving)
	target, err := o.resolve(ctx, s.Identifier)
	if err != nil {
		return o.interrupted(ctx, err)
	}
	s.WorkloadID = target.ID
	s.Workload = target.Name

	detail, err := o.adapter.Inspect(ctx, target.ID)
	if err != nil {
		return o.interrupted(ctx, err)
	}
	if detail.State == runtime.StateRunning {
		o.transition(s, models.WakeAlreadyRunning)
		if detail.Ready() {
			o.transition(s, models.WakeReady)
			return nil
		}
	} else {
		o.transition(s, models.WakeStarting)
		if err := o.startOnce(ctx, target); err != nil {
			return o.interrupted(ctx, err)
		}
	}
	return o.awaitReady(ctx, s, opts)
}

func (o *Orchestrator) awaitReady(ctx context.Context, s *models.WakeSession, opts Options) error {
	ticker := o.clock.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	o.transition(s, models.WakeHealthChecking)

	failures := 0
	var lastErr error
	for {
		detail, err := o.adapter.Inspect(ctx, s.WorkloadID)
		s.Polls++
		switch {
		case err != nil && ctx.Err() != nil:
			return o.interrupted(ctx, err)
		case err != nil:
			failures++
			lastErr = err
			if failures > *opts.MaxRetries {
				return fmt.Errorf("%w: %d consecutive inspect failures: %v", models.ErrHealthCheck, failures, lastErr)
			}
		case detail.Ready():
			o.transition(s, models.WakeReady)
			return nil
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			return o.interrupted(ctx, ctx.Err())
		case <-ticker.C():
		}
	}
}

// startOnce issues at most one Start per workload across concurrent sessions.
// The per-workload lock is held while re-inspecting so a start never races
// another mutation of the same workload.
func (o *Orchestrator) startOnce(ctx context.Context, target runtime.WorkloadSummary) error {
	ch := o.starts.DoChan(target.ID, func() (any, error) {
		unlock := o.adapter.Lock(target.ID)
		defer unlock()
		startCtx := context.WithoutCancel(ctx)
		inner := o.adapter.Inner()
		if detail, err := inner.Inspect(startCtx, target.ID); err == nil && detail.State == runtime.StateRunning {
			return false, nil
		}
		if err := inner.Start(startCtx, target.ID); err != nil {
			return false, err
		}
		o.logger.Printf("wake: started workload=%s (%s)", target.ID, target.Name)
		o.publish(events.WorkloadStarted(events.WorkloadPayload{
			WorkloadID: target.ID,
			Name:       target.Name,
			Source:     events.SourceWake,
		}))
		return true, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interrupted maps errors caused by the session context to the timeout or
// cancellation sentinel.
func (o *Orchestrator) interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, models.ErrWakeTimeout) {
		return models.ErrWakeTimeout
	}
	return fmt.Errorf("%w: %v", models.ErrWakeCancelled, ctx.Err())
}

func (o *Orchestrator) resolve(ctx context.Context, identifier string) (runtime.WorkloadSummary, error) {
	host := hostOf(identifier)
	if host == "" {
		return runtime.WorkloadSummary{}, fmt.Errorf("%w: empty identifier", models.ErrTargetNotFound)
	}
	workloads, err := o.adapter.List(ctx)
	if err != nil {
		return runtime.WorkloadSummary{}, err
	}
	for _, w := range workloads {
		if w.Domain() != "" && proxy.NormalizeHost(w.Domain()) == host {
			return w, nil
		}
	}
	first, _, _ := strings.Cut(host, ".")
	for _, w := range workloads {
		if strings.EqualFold(w.Name, first) {
			return w, nil
		}
	}
	if o.rules != nil {
		if rule, ok := o.rules.Lookup(host); ok && rule.WorkloadRef != "" {
			if w, ok := runtime.FindWorkload(workloads, rule.WorkloadRef); ok {
				return w, nil
			}
		}
	}
	if w, ok := runtime.FindWorkload(workloads, identifier); ok {
		return w, nil
	}
	return runtime.WorkloadSummary{}, fmt.Errorf("%w: %s", models.ErrTargetNotFound, identifier)
}

// hostOf extracts the host from a bare host, host:port or URL identifier.
func hostOf(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "://") {
		if u, err := url.Parse(identifier); err == nil {
			identifier = u.Host
		}
	} else if idx := strings.IndexByte(identifier, '/'); idx >= 0 {
		identifier = identifier[:idx]
	}
	return proxy.NormalizeHost(identifier)
}

func (o *Orchestrator) transition(s *models.WakeSession, state models.WakeState) {
	s.State = state
	s.Elapsed = o.clock.Now().Sub(s.RequestedAt)
	o.publish(events.WakeProgress(*s))
}

func (o *Orchestrator) fail(s *models.WakeSession, err error) {
	s.Reason = err.Error()
	o.logger.Printf("wake: session=%s identifier=%s failed in %s: %v", s.ID, s.Identifier, s.State, err)
	o.transition(s, models.WakeFailed)
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}
