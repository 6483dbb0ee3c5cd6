package daemon

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

// EventPublisher receives domain events.
type EventPublisher interface {
	Publish(ev events.Event) events.Event
}

// IdleSleeper stops workloads that were woken on demand once no wake request
// has arrived for the minutes in their berth.idle_minutes label. Workloads
// that were never woken are left alone.
type IdleSleeper struct {
	adapter  *runtime.Serialized
	bus      EventPublisher
	metrics  *Metrics
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastWake map[string]time.Time
}

func NewIdleSleeper(adapter *runtime.Serialized, bus EventPublisher, metrics *Metrics, interval time.Duration, logger *log.Logger) *IdleSleeper {
	if logger == nil {
		logger = log.Default()
	}
	return &IdleSleeper{
		adapter:  adapter,
		bus:      bus,
		metrics:  metrics,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		lastWake: make(map[string]time.Time),
	}
}

func (s *IdleSleeper) WithClock(now func() time.Time) *IdleSleeper {
	if s == nil || now == nil {
		return s
	}
	s.now = now
	return s
}

// RecordWake marks the workload of a successful session as recently used.
func (s *IdleSleeper) RecordWake(session models.WakeSession) {
	if s == nil || session.State != models.WakeReady || session.WorkloadID == "" {
		return
	}
	s.mu.Lock()
	s.lastWake[session.WorkloadID] = s.now()
	s.mu.Unlock()
}

// Tracked reports whether the workload is waiting to be put to sleep.
func (s *IdleSleeper) Tracked(workloadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lastWake[workloadID]
	return ok
}

// Start runs Evaluate on the interval until ctx is canceled.
func (s *IdleSleeper) Start(ctx context.Context) {
	if s == nil || s.adapter == nil || s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evaluate(ctx)
			}
		}
	}()
}

// Evaluate stops every tracked workload whose idle window has elapsed.
func (s *IdleSleeper) Evaluate(ctx context.Context) {
	s.mu.Lock()
	tracked := len(s.lastWake)
	s.mu.Unlock()
	if tracked == 0 {
		return
	}
	workloads, err := s.adapter.List(ctx)
	if err != nil {
		s.logger.Printf("idle sleep: list workloads: %v", err)
		return
	}
	byID := make(map[string]runtime.WorkloadSummary, len(workloads))
	for _, w := range workloads {
		byID[w.ID] = w
	}

	now := s.now()
	var due []runtime.WorkloadSummary
	s.mu.Lock()
	for id, last := range s.lastWake {
		w, ok := byID[id]
		if !ok || w.State != runtime.StateRunning {
			delete(s.lastWake, id)
			continue
		}
		minutes := idleMinutes(w)
		if minutes <= 0 {
			delete(s.lastWake, id)
			continue
		}
		if now.Sub(last) >= time.Duration(minutes)*time.Minute {
			due = append(due, w)
		}
	}
	s.mu.Unlock()

	for _, w := range due {
		s.sleep(ctx, w)
	}
}

func (s *IdleSleeper) sleep(ctx context.Context, w runtime.WorkloadSummary) {
	unlock := s.adapter.Lock(w.ID)
	defer unlock()

	// A wake may have landed while the lock was contended.
	s.mu.Lock()
	last, ok := s.lastWake[w.ID]
	minutes := idleMinutes(w)
	if !ok || s.now().Sub(last) < time.Duration(minutes)*time.Minute {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	inner := s.adapter.Inner()
	if detail, err := inner.Inspect(ctx, w.ID); err == nil && detail.State != runtime.StateRunning {
		s.forget(w.ID)
		return
	}
	if err := inner.Stop(ctx, w.ID); err != nil {
		s.logger.Printf("idle sleep: stop workload=%s (%s): %v", w.ID, w.Name, err)
		s.metrics.IncIdleStop("failed")
		return
	}
	s.forget(w.ID)
	s.metrics.IncIdleStop("success")
	s.logger.Printf("idle sleep: stopped workload=%s (%s) after %dm idle", w.ID, w.Name, minutes)
	if s.bus != nil {
		s.bus.Publish(events.WorkloadStopped(events.WorkloadPayload{
			WorkloadID: w.ID,
			Name:       w.Name,
			Source:     events.SourceIdle,
		}))
	}
}

func (s *IdleSleeper) forget(id string) {
	s.mu.Lock()
	delete(s.lastWake, id)
	s.mu.Unlock()
}

func idleMinutes(w runtime.WorkloadSummary) int {
	raw := strings.TrimSpace(w.Labels[runtime.LabelIdleMinutes])
	if raw == "" {
		return 0
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes < 0 {
		return 0
	}
	return minutes
}
