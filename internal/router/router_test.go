package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
	"meridian/internal/queue"
)

type recorded struct{ calls map[string]string }

func (r *recorded) RecordReroute(_ context.Context, id, region string) error {
	r.calls[id] = region
	return nil
}

func TestRouteToHomeRegion(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBackend(nil)
	rec := &recorded{calls: map[string]string{}}
	r := New(b, rec, map[string]string{"eu": "us"})

	key, err := r.Route(ctx, domain.Instance{ID: "i1", Region: "eu", Priority: domain.PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, "eu-critical", key)
	assert.Empty(t, rec.calls)

	e, err := b.Pop(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "i1", e.InstanceID)
	assert.Equal(t, "eu", e.OriginRegion)
}

func TestRouteFailsOver(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBackend(nil)
	rec := &recorded{calls: map[string]string{}}
	var hooks []string
	r := New(b, rec, map[string]string{"eu": "us", "us": "ap", "ap": "eu"},
		WithRerouteHook(func(from, to string) { hooks = append(hooks, from+">"+to) }))

	require.NoError(t, b.SetHealthy(ctx, "eu", false))
	key, err := r.Route(ctx, domain.Instance{ID: "i1", Region: "eu", Priority: domain.PriorityLow})
	require.NoError(t, err)
	assert.Equal(t, "us-low", key)
	assert.Equal(t, "us", rec.calls["i1"])
	assert.Equal(t, []string{"eu>us"}, hooks)

	e, err := b.Pop(ctx, "us-low")
	require.NoError(t, err)
	assert.Equal(t, "eu", e.OriginRegion)

	require.NoError(t, b.SetHealthy(ctx, "us", false))
	target, err := r.Target(ctx, "eu")
	require.NoError(t, err)
	assert.Equal(t, "ap", target)

	require.NoError(t, b.SetHealthy(ctx, "ap", false))
	_, err = r.Route(ctx, domain.Instance{ID: "i2", Region: "eu"})
	assert.ErrorIs(t, err, domain.ErrNoHealthyQueue)
	n, err := b.Len(ctx, "eu-critical")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRouteWithoutBackup(t *testing.T) {
	ctx := context.Background()
	b := queue.NewMemoryBackend(nil)
	r := New(b, &recorded{calls: map[string]string{}}, nil)
	require.NoError(t, b.SetHealthy(ctx, "eu", false))
	_, err := r.Route(ctx, domain.Instance{ID: "i1", Region: "eu"})
	assert.ErrorIs(t, err, domain.ErrNoHealthyQueue)
}
