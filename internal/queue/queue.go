// Package queue holds the per-region priority queues between the router and the workers.
// Entries carry only the instance id; workers load the instance from the task store at
// dequeue time.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"meridian/internal/domain"
)

type Entry struct {
	InstanceID string
	// OriginRegion is the instance's own region. It differs from the queue's region when the
	// router failed over.
	OriginRegion string
	EnqueuedAt   time.Time
}

// Key names the queue of a region and priority tier, e.g. "eu-critical".
func Key(region string, p domain.Priority) string {
	return region + "-" + p.String()
}

// Backend is the queue transport. Pop returns domain.ErrQueueEmpty when key has no entries.
type Backend interface {
	Push(ctx context.Context, key string, e Entry) error
	Pop(ctx context.Context, key string) (Entry, error)
	Len(ctx context.Context, key string) (int, error)
	Healthy(ctx context.Context, region string) (bool, error)
	SetHealthy(ctx context.Context, region string, healthy bool) error
}

// MemoryBackend is a process-local Backend. Regions are healthy until marked otherwise.
type MemoryBackend struct {
	mu        sync.Mutex
	queues    map[string][]Entry
	unhealthy map[string]bool
	clock     clockwork.Clock
}

func NewMemoryBackend(clock clockwork.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBackend{queues: map[string][]Entry{}, unhealthy: map[string]bool{}, clock: clock}
}

func (m *MemoryBackend) Push(_ context.Context, key string, e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = m.clock.Now().UTC()
	}
	m.mu.Lock()
	m.queues[key] = append(m.queues[key], e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Pop(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[key]
	if len(q) == 0 {
		return Entry{}, domain.ErrQueueEmpty
	}
	e := q[0]
	q[0] = Entry{}
	m.queues[key] = q[1:]
	return e, nil
}

func (m *MemoryBackend) Len(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[key]), nil
}

func (m *MemoryBackend) Healthy(_ context.Context, region string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unhealthy[region], nil
}

func (m *MemoryBackend) SetHealthy(_ context.Context, region string, healthy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if healthy {
		delete(m.unhealthy, region)
	} else {
		m.unhealthy[region] = true
	}
	return nil
}
