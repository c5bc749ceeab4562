package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
	"meridian/internal/queue"
	"meridian/internal/store"
)

func backends(t *testing.T) map[string]queue.Backend {
	return map[string]queue.Backend{
		"memory": queue.NewMemoryBackend(nil),
		"sql":    queue.NewSQLBackend(store.NewTestStore(t).DB(), nil),
	}
}

func TestBackendsAreFIFOPerKey(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := queue.Key("eu", domain.PriorityCritical)
			assert.Equal(t, "eu-critical", key)

			_, err := b.Pop(ctx, key)
			assert.ErrorIs(t, err, domain.ErrQueueEmpty)

			require.NoError(t, b.Push(ctx, key, queue.Entry{InstanceID: "i1", OriginRegion: "eu"}))
			require.NoError(t, b.Push(ctx, key, queue.Entry{InstanceID: "i2", OriginRegion: "us"}))
			require.NoError(t, b.Push(ctx, queue.Key("eu", domain.PriorityLow), queue.Entry{InstanceID: "i3"}))

			n, err := b.Len(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			e, err := b.Pop(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "i1", e.InstanceID)
			assert.False(t, e.EnqueuedAt.IsZero())
			e, err = b.Pop(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "i2", e.InstanceID)
			assert.Equal(t, "us", e.OriginRegion)
			_, err = b.Pop(ctx, key)
			assert.ErrorIs(t, err, domain.ErrQueueEmpty)
		})
	}
}

func TestBackendHealth(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := b.Healthy(ctx, "eu")
			require.NoError(t, err)
			assert.True(t, ok, "unknown regions start healthy")

			require.NoError(t, b.SetHealthy(ctx, "eu", false))
			ok, err = b.Healthy(ctx, "eu")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.SetHealthy(ctx, "eu", true))
			ok, err = b.Healthy(ctx, "eu")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestDispatcherReservation(t *testing.T) {
	cases := []struct {
		workers  int
		share    float64
		reserved int
	}{
		{10, 0.1, 1},
		{10, 0.25, 3},
		{4, 0, 0},
		{1, 0.1, 0},
		{2, 0.9, 1},
	}
	for _, tc := range cases {
		d, err := queue.NewDispatcher(queue.NewMemoryBackend(nil), queue.DispatcherConfig{
			Regions: []string{"eu"}, Workers: tc.workers, ReserveShare: tc.share,
		}, nil)
		require.NoError(t, err)
		got := 0
		for i := 0; i < tc.workers; i++ {
			if d.Reserved(i) {
				got++
			}
		}
		assert.Equal(t, tc.reserved, got, "workers=%d share=%v", tc.workers, tc.share)
	}

	_, err := queue.NewDispatcher(queue.NewMemoryBackend(nil), queue.DispatcherConfig{Regions: []string{"eu"}, Workers: 1, ReserveShare: 1}, nil)
	assert.Error(t, err)
}

func TestDispatcherTierOrder(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBackend(nil)
	d, err := queue.NewDispatcher(b, queue.DispatcherConfig{
		Regions: []string{"eu"}, Workers: 10, ReserveShare: 0.1,
	}, nil)
	require.NoError(t, err)

	for _, p := range domain.Priorities {
		for i := 0; i < 2; i++ {
			require.NoError(t, b.Push(ctx, queue.Key("eu", p), queue.Entry{InstanceID: p.String()}))
		}
	}

	// worker 0 is reserved and takes normal work despite queued critical work
	got, err := d.TryNext(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, got.Priority)

	got, err = d.TryNext(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityCritical, got.Priority)
	assert.Equal(t, "eu-critical", got.Key)

	got, err = d.TryNext(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityCritical, got.Priority)

	got, err = d.TryNext(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, got.Priority)

	depths, err := d.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"eu-critical": 0, "eu-normal": 0, "eu-low": 2}, depths)
}

func TestDispatcherNextTimesOut(t *testing.T) {
	d, err := queue.NewDispatcher(queue.NewMemoryBackend(nil), queue.DispatcherConfig{
		Regions: []string{"eu", "us"}, Workers: 1, PollInterval: 30 * time.Millisecond, PollEvery: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	start := time.Now()
	_, err = d.Next(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Next(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcherNextWakesOnPush(t *testing.T) {
	b := queue.NewMemoryBackend(nil)
	d, err := queue.NewDispatcher(b, queue.DispatcherConfig{
		Regions: []string{"us"}, Workers: 1, PollInterval: 2 * time.Second, PollEvery: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Push(context.Background(), queue.Key("us", domain.PriorityLow), queue.Entry{InstanceID: "late", OriginRegion: "eu"})
	}()
	got, err := d.Next(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "late", got.InstanceID)
	assert.Equal(t, "us", got.Region)
	assert.Equal(t, "eu", got.OriginRegion)
}
