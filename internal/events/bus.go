package events

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber queue length used when none is configured.
const DefaultBuffer = 64

// Filter selects which events a subscription receives.
type Filter func(Event) bool

// KindIs matches events of any of the given kinds.
func KindIs(kinds ...Kind) Filter {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Kind]
		return ok
	}
}

// KindPrefix matches events whose kind starts with prefix (e.g. "workload.").
func KindPrefix(prefix string) Filter {
	return func(ev Event) bool {
		return strings.HasPrefix(string(ev.Kind), prefix)
	}
}

// Bus fans out events to subscribers. Publish never blocks: a subscriber whose
// queue is full is dropped and its channel closed.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	buffer int
	closed bool
	now    func() time.Time
	logger *log.Logger
	onDrop func()
}

// NewBus returns a Bus with the given per-subscriber buffer.
func NewBus(buffer int, logger *log.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the timestamp source.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	if b == nil || now == nil {
		return b
	}
	b.now = now
	return b
}

// OnDrop registers a callback invoked whenever a slow subscriber is dropped.
func (b *Bus) OnDrop(fn func()) *Bus {
	if b == nil {
		return b
	}
	b.onDrop = fn
	return b
}

// Publish stamps ev with the next sequence number and timestamp and delivers it
// to every matching subscriber. The stamped event is returned.
func (b *Bus) Publish(ev Event) Event {
	if b == nil {
		return ev
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev
	}
	b.seq++
	ev.Seq = b.seq
	ev.Timestamp = b.now().UTC()
	for id, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Store(true)
			delete(b.subs, id)
			close(sub.ch)
			b.logger.Printf("events: dropped subscriber %d (buffer %d full at seq %d)", id, b.buffer, ev.Seq)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	return ev
}

// Subscribe registers a subscriber. With no filters every event is delivered.
func (b *Bus) Subscribe(filters ...Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		bus:     b,
		ch:      make(chan Event, b.buffer),
		filters: filters,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastSeq returns the sequence number of the most recently published event.
func (b *Bus) LastSeq() uint64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close closes every subscription; later publishes are discarded.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscription is a bounded stream of events.
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan Event
	filters []Filter
	dropped atomic.Bool
}

// C returns the delivery channel. It is closed on Close, on bus shutdown, or
// when the subscriber fell behind (see Dropped).
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped reports whether the bus dropped this subscriber for being too slow.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close cancels the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}

func (s *Subscription) matches(ev Event) bool {
	for _, f := range s.filters {
		if f != nil && !f(ev) {
			return false
		}
	}
	return true
}
