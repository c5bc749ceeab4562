package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
	"meridian/internal/queue"
	"meridian/internal/router"
	"meridian/internal/scheduler"
	"meridian/internal/store"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *store.Store, n int) {
	t.Helper()
	store.MustCreateDefinition(t, s, store.TestDefinition("job"))
	for i := 0; i < n; i++ {
		_, _, err := s.CreateInstance(context.Background(), store.InstanceRequest{
			DefinitionID: "job", ScheduledAt: epoch.Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestRunOnceClaimsAndRoutes(t *testing.T) {
	ctx := context.Background()
	s := store.NewTestStore(t, store.WithClock(clockwork.NewFakeClockAt(epoch)))
	seed(t, s, 5)
	b := queue.NewMemoryBackend(nil)

	var claims []int
	svc, err := scheduler.NewService(s, router.New(b, s, nil), scheduler.Config{
		Claimant: "node-1/scheduler", Regions: []string{"eu"}, BatchSize: 3, Lease: time.Minute,
	}, scheduler.WithClaimHook(func(_ string, n int) { claims = append(claims, n) }))
	require.NoError(t, err)

	n, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	svc.SetBatchSize(10)
	n, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []int{3, 2}, claims)

	depth, err := b.Len(ctx, "eu-normal")
	require.NoError(t, err)
	assert.Equal(t, 5, depth)

	claimed, err := s.ListInstances(ctx, store.InstanceFilter{Status: domain.StatusClaimed})
	require.NoError(t, err)
	require.Len(t, claimed, 5)
	for _, inst := range claimed {
		assert.Equal(t, "node-1/scheduler", inst.ClaimedBy)
	}
}

func TestReplicasNeverClaimTheSameInstance(t *testing.T) {
	ctx := context.Background()
	s := store.NewTestStore(t, store.WithClock(clockwork.NewFakeClockAt(epoch)))
	seed(t, s, 20)
	b := queue.NewMemoryBackend(nil)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		svc, err := scheduler.NewService(s, router.New(b, s, nil), scheduler.Config{
			Claimant: "replica-" + string(rune('a'+i)), Regions: []string{"eu"}, BatchSize: 20, Lease: time.Minute,
		})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.RunOnce(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, total)

	seen := map[string]bool{}
	for {
		e, err := b.Pop(ctx, "eu-normal")
		if errors.Is(err, domain.ErrQueueEmpty) {
			break
		}
		require.NoError(t, err)
		assert.False(t, seen[e.InstanceID], "instance %s dispatched twice", e.InstanceID)
		seen[e.InstanceID] = true
	}
	assert.Len(t, seen, 20)
}

func TestUnroutableClaimIsLeftForTheSweeper(t *testing.T) {
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(epoch)
	s := store.NewTestStore(t, store.WithClock(clk))
	seed(t, s, 1)
	b := queue.NewMemoryBackend(nil)
	require.NoError(t, b.SetHealthy(ctx, "eu", false))

	svc, err := scheduler.NewService(s, router.New(b, s, nil), scheduler.Config{
		Claimant: "sched", Regions: []string{"eu"}, Lease: time.Minute,
	})
	require.NoError(t, err)
	n, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(time.Minute)
	reclaimed, err := s.ReclaimExpiredLeases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, domain.StatusPending, reclaimed[0].Status)
}

type failingStore struct{}

func (failingStore) ClaimDueInstances(context.Context, string, string, int, time.Duration) ([]domain.Instance, error) {
	return nil, errors.New("connection refused")
}

func TestRunOnceAggregatesRegionErrors(t *testing.T) {
	svc, err := scheduler.NewService(failingStore{}, nil, scheduler.Config{
		Claimant: "sched", Regions: []string{"eu", "us"}, Lease: time.Minute,
	})
	require.NoError(t, err)
	_, err = svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region eu")
	assert.Contains(t, err.Error(), "region us")
}

func TestNewServiceValidates(t *testing.T) {
	_, err := scheduler.NewService(failingStore{}, nil, scheduler.Config{Regions: []string{"eu"}, Lease: time.Minute})
	assert.Error(t, err)
	_, err = scheduler.NewService(failingStore{}, nil, scheduler.Config{Claimant: "x", Lease: time.Minute})
	assert.Error(t, err)
	_, err = scheduler.NewService(failingStore{}, nil, scheduler.Config{Claimant: "x", Regions: []string{"eu"}})
	assert.Error(t, err)
}

func TestStartClaimsOnEveryTick(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	s := store.NewTestStore(t, store.WithClock(clk))
	seed(t, s, 1)
	svc, err := scheduler.NewService(s, router.New(queue.NewMemoryBackend(clk), s, nil), scheduler.Config{
		Claimant: "node-1/scheduler", Regions: []string{"eu"}, Interval: time.Second, Lease: time.Minute,
	}, scheduler.WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); svc.Start(ctx) }()

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	require.NoError(t, clk.BlockUntilContext(wctx, 1))

	claimed := func() int {
		out, err := s.ListInstances(context.Background(), store.InstanceFilter{Status: domain.StatusClaimed})
		if err != nil {
			return -1
		}
		return len(out)
	}
	assert.Zero(t, claimed(), "nothing is claimed before the first tick")

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return claimed() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
