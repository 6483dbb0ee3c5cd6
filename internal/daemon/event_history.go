package daemon

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/berth-dev/berth/internal/db"
	"github.com/berth-dev/berth/internal/events"
)

const (
	eventHistoryWriteTimeout = 5 * time.Second
	eventHistoryPruneEvery   = 100
)

// EventStore persists bus events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev db.Event) (int64, error)
	PruneEvents(ctx context.Context, keep int) (int64, error)
}

// EventHistory subscribes to the bus and appends every event to the store,
// keeping at most limit rows.
type EventHistory struct {
	bus     *events.Bus
	store   EventStore
	limit   int
	logger  *log.Logger
	mu      sync.Mutex
	written int
	done    chan struct{}
}

func NewEventHistory(bus *events.Bus, store EventStore, limit int, logger *log.Logger) *EventHistory {
	if logger == nil {
		logger = log.Default()
	}
	return &EventHistory{bus: bus, store: store, limit: limit, logger: logger}
}

// Start consumes events until ctx is canceled or the bus closes. A dropped
// subscription is replaced; events published in between are lost.
func (h *EventHistory) Start(ctx context.Context) {
	if h == nil || h.bus == nil || h.store == nil {
		return
	}
	h.done = make(chan struct{})
	sub := h.bus.Subscribe()
	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case ev, ok := <-sub.C():
				if !ok {
					if !sub.Dropped() {
						return
					}
					h.logger.Printf("events: history subscriber dropped; resubscribing")
					sub = h.bus.Subscribe()
					continue
				}
				h.Record(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the consumer started by Start has exited.
func (h *EventHistory) Wait() {
	if h == nil || h.done == nil {
		return
	}
	<-h.done
}

// Record appends one event and prunes periodically.
func (h *EventHistory) Record(ctx context.Context, ev events.Event) {
	payload := ""
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			h.logger.Printf("events: history marshal %s: %v", ev.Kind, err)
		} else {
			payload = string(data)
		}
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventHistoryWriteTimeout)
	defer cancel()
	if _, err := h.store.AppendEvent(writeCtx, db.Event{
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Kind:      string(ev.Kind),
		JSON:      payload,
	}); err != nil {
		h.logger.Printf("events: history append seq=%d: %v", ev.Seq, err)
		return
	}
	h.mu.Lock()
	h.written++
	prune := h.limit > 0 && h.written%eventHistoryPruneEvery == 0
	h.mu.Unlock()
	if prune {
		if _, err := h.store.PruneEvents(writeCtx, h.limit); err != nil {
			h.logger.Printf("events: history prune: %v", err)
		}
	}
}
