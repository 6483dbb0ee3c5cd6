package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdapterLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeAdapter()
	fake.Add("c1", "web", StateStopped, map[string]string{LabelDomain: "web.example.com"})

	require.NoError(t, fake.Start(ctx, "web"))
	assert.Equal(t, StateRunning, fake.State("c1"))
	assert.Equal(t, 1, fake.Calls("start", "web"))

	detail, err := fake.Inspect(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, detail.Ready())

	require.NoError(t, fake.Stop(ctx, "c1"))
	assert.Equal(t, StateStopped, fake.State("c1"))

	_, err = fake.Inspect(ctx, "missing")
	assert.ErrorIs(t, err, ErrWorkloadNotFound)
}

func TestFakeAdapterHealthProgression(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeAdapter()
	fake.Add("c1", "api", StateStopped, nil)
	fake.SetHealthAfter("c1", 2)

	require.NoError(t, fake.Start(ctx, "c1"))
	for i := 0; i < 2; i++ {
		detail, err := fake.Inspect(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, HealthStarting, detail.Health)
		assert.False(t, detail.Ready())
	}
	detail, err := fake.Inspect(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, detail.Health)
	assert.True(t, detail.Ready())
}

func TestFakeAdapterInjectedFailures(t *testing.T) {
	ctx := context.Background()
	fake := NewFakeAdapter()
	fake.Add("c1", "api", StateStopped, nil)
	fake.FailStart("c1", errors.New("no space left on device"))
	fake.FailInspect("c1", 1)

	err := fake.Start(ctx, "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")

	_, err = fake.Inspect(ctx, "c1")
	require.Error(t, err)
	_, err = fake.Inspect(ctx, "c1")
	require.NoError(t, err)
}

func TestFindWorkload(t *testing.T) {
	list := []WorkloadSummary{
		{ID: "0123456789abcdef0123", Name: "web"},
		{ID: "fedcba9876543210fedc", Name: "db"},
	}
	w, ok := FindWorkload(list, "db")
	require.True(t, ok)
	assert.Equal(t, "fedcba9876543210fedc", w.ID)

	w, ok = FindWorkload(list, "0123456789ab")
	require.True(t, ok)
	assert.Equal(t, "web", w.Name)

	_, ok = FindWorkload(list, "0123")
	assert.False(t, ok)
}

func TestSerializedNeverOverlapsPerWorkload(t *testing.T) {
	ctx := context.Background()
	inner := &overlapAdapter{FakeAdapter: NewFakeAdapter()}
	inner.Add("c1", "web", StateStopped, nil)
	adapter := NewSerialized(inner)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = adapter.Restart(ctx, "c1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inner.maxInFlight)
	assert.Equal(t, 16, inner.Calls("restart", "c1"))
}

type overlapAdapter struct {
	*FakeAdapter
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (o *overlapAdapter) Restart(ctx context.Context, id string) error {
	o.mu.Lock()
	o.inFlight++
	if o.inFlight > o.maxInFlight {
		o.maxInFlight = o.inFlight
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight--
		o.mu.Unlock()
	}()
	return o.FakeAdapter.Restart(ctx, id)
}
