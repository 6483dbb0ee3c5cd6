package daemon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/berth/internal/events"
	"github.com/berth-dev/berth/internal/models"
)

func TestEventHistoryRecordsBusEvents(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(16, discardLogger())
	history := NewEventHistory(bus, store, 100, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	history.Start(ctx)
	bus.Publish(events.WorkloadStarted(events.WorkloadPayload{WorkloadID: "c1", Name: "api", Source: events.SourceWake}))
	bus.Publish(events.WakeProgress(models.WakeSession{ID: "s1", Identifier: "api", State: models.WakeReady}))

	require.Eventually(t, func() bool {
		stored, err := store.ListEvents(context.Background(), 0, 10)
		return err == nil && len(stored) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	history.Wait()

	stored, err := store.ListEvents(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, string(events.KindWorkloadStarted), stored[0].Kind)
	assert.Equal(t, uint64(1), stored[0].Seq)
	assert.JSONEq(t, `{"workload_id":"c1","name":"api","source":"wake"}`, stored[0].JSON)
	assert.Equal(t, string(events.KindWakeProgress), stored[1].Kind)
	assert.Zero(t, bus.Subscribers())
}

func TestEventHistoryStopsWhenBusCloses(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewBus(16, discardLogger())
	history := NewEventHistory(bus, store, 100, discardLogger())
	history.Start(context.Background())

	bus.Close()
	done := make(chan struct{})
	go func() {
		history.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("history did not stop after bus close")
	}
}

func TestEventHistoryPrunesToLimit(t *testing.T) {
	store := newTestStore(t)
	history := NewEventHistory(nil, store, 10, discardLogger())
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= eventHistoryPruneEvery; i++ {
		history.Record(context.Background(), events.Event{
			Seq:       uint64(i),
			Kind:      events.KindTaskExecuted,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   map[string]string{"n": fmt.Sprint(i)},
		})
	}

	stored, err := store.ListEvents(context.Background(), 0, 1000)
	require.NoError(t, err)
	require.Len(t, stored, 10)
	assert.Equal(t, uint64(eventHistoryPruneEvery-9), stored[0].Seq)
	assert.Equal(t, uint64(eventHistoryPruneEvery), stored[9].Seq)
}
