package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
)

func TestGraphCycles(t *testing.T) {
	g := Graph{}
	g.Add("c", "b")
	g.Add("b", "a")
	g.Add("b", "a")
	assert.Len(t, g["b"], 1)

	assert.True(t, g.Reaches("c", "a"))
	assert.False(t, g.Reaches("a", "c"))
	assert.True(t, g.WouldCycle("a", "c"))
	assert.True(t, g.WouldCycle("a", "a"))
	assert.False(t, g.WouldCycle("d", "c"))
	require.NoError(t, g.CheckAcyclic())

	g.Add("a", "c")
	assert.ErrorIs(t, g.CheckAcyclic(), domain.ErrDependencyCycle)
}

func TestUnblocked(t *testing.T) {
	assert.True(t, Unblocked(nil))
	assert.True(t, Unblocked([]domain.Status{domain.StatusCompleted, domain.StatusCompleted}))
	assert.False(t, Unblocked([]domain.Status{domain.StatusCompleted, domain.StatusRunning}))
	assert.False(t, Unblocked([]domain.Status{domain.StatusDeadLetter}))
}

// memSource is a tiny in-memory graph of instance statuses.
type memSource struct {
	status map[string]domain.Status
	up     map[string][]string
}

func (m *memSource) UpstreamStatuses(_ context.Context, id string) ([]domain.Status, error) {
	var out []domain.Status
	for _, u := range m.up[id] {
		out = append(out, m.status[u])
	}
	return out, nil
}

func (m *memSource) ListBlockedByFailedUpstream(_ context.Context, limit int) ([]Blocked, error) {
	var out []Blocked
	for id, ups := range m.up {
		if m.status[id] != domain.StatusPending {
			continue
		}
		for _, u := range ups {
			if m.status[u].FailedUpstream() && len(out) < limit {
				out = append(out, Blocked{InstanceID: id, Upstream: u, Status: m.status[u]})
			}
		}
	}
	return out, nil
}

func (m *memSource) MarkBlockedFailed(_ context.Context, id, _ string) (bool, error) {
	if m.status[id] != domain.StatusPending {
		return false, nil
	}
	m.status[id] = domain.StatusBlockedFailed
	return true, nil
}

func TestPropagateIsTransitive(t *testing.T) {
	src := &memSource{
		status: map[string]domain.Status{
			"a": domain.StatusCancelled, "b": domain.StatusPending, "c": domain.StatusPending,
			"d": domain.StatusPending, "x": domain.StatusCompleted,
		},
		up: map[string][]string{"b": {"a"}, "c": {"b"}, "d": {"x"}},
	}
	r := New(src, 10)

	ok, err := r.IsUnblocked(context.Background(), "d")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := r.Propagate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.StatusBlockedFailed, src.status["b"])
	assert.Equal(t, domain.StatusBlockedFailed, src.status["c"])
	assert.Equal(t, domain.StatusPending, src.status["d"])

	n, err = r.Propagate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
