package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"meridian/internal/domain"
)

// Delivery is an entry taken off a queue together with where it came from.
type Delivery struct {
	Entry
	Key      string
	Region   string
	Priority domain.Priority
}

type DispatcherConfig struct {
	// Regions whose queues this pool drains.
	Regions []string
	Workers int
	// ReserveShare is the fraction of workers that poll normal and low before critical, so
	// a flood of critical work cannot starve the other tiers.
	ReserveShare float64
	// PollInterval bounds how long Next blocks.
	PollInterval time.Duration
	// PollEvery is the pause between empty sweeps over the queues.
	PollEvery time.Duration
}

// Dispatcher hands queue entries to workers in priority order.
type Dispatcher struct {
	backend  Backend
	cfg      DispatcherConfig
	reserved int
	clock    clockwork.Clock
	rr       atomic.Uint64
}

func NewDispatcher(b Backend, cfg DispatcherConfig, clock clockwork.Clock) (*Dispatcher, error) {
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("dispatcher needs at least one region")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatcher needs at least one worker")
	}
	if cfg.ReserveShare < 0 || cfg.ReserveShare >= 1 {
		return nil, fmt.Errorf("reserve share must be in [0,1), got %v", cfg.ReserveShare)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollEvery <= 0 || cfg.PollEvery > cfg.PollInterval {
		cfg.PollEvery = cfg.PollInterval / 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	reserved := int(math.Ceil(float64(cfg.Workers) * cfg.ReserveShare))
	// at least one worker always polls critical first
	if reserved >= cfg.Workers {
		reserved = cfg.Workers - 1
	}
	return &Dispatcher{backend: b, cfg: cfg, reserved: reserved, clock: clock}, nil
}

// Reserved reports whether worker i belongs to the non-critical reservation.
func (d *Dispatcher) Reserved(worker int) bool { return worker < d.reserved }

// Order returns the tier order worker i polls in.
func (d *Dispatcher) Order(worker int) []domain.Priority {
	if d.Reserved(worker) {
		return []domain.Priority{domain.PriorityNormal, domain.PriorityLow, domain.PriorityCritical}
	}
	return []domain.Priority{domain.PriorityCritical, domain.PriorityNormal, domain.PriorityLow}
}

// Next blocks up to the poll interval for an entry for worker i. It returns
// domain.ErrQueueEmpty when nothing arrived in time.
func (d *Dispatcher) Next(ctx context.Context, worker int) (Delivery, error) {
	deadline := d.clock.Now().Add(d.cfg.PollInterval)
	for {
		del, err := d.TryNext(ctx, worker)
		if !errors.Is(err, domain.ErrQueueEmpty) {
			return del, err
		}
		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			return Delivery{}, domain.ErrQueueEmpty
		}
		wait := d.cfg.PollEvery
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-d.clock.After(wait):
		}
	}
}

// TryNext makes one non-blocking pass over the worker's queues. Within a tier the starting
// region rotates so that no region is always drained first.
func (d *Dispatcher) TryNext(ctx context.Context, worker int) (Delivery, error) {
	regions := d.cfg.Regions
	start := int(d.rr.Inc() % uint64(len(regions)))
	for _, p := range d.Order(worker) {
		for i := range regions {
			region := regions[(start+i)%len(regions)]
			key := Key(region, p)
			e, err := d.backend.Pop(ctx, key)
			if errors.Is(err, domain.ErrQueueEmpty) {
				continue
			}
			if err != nil {
				return Delivery{}, err
			}
			return Delivery{Entry: e, Key: key, Region: region, Priority: p}, nil
		}
	}
	return Delivery{}, domain.ErrQueueEmpty
}

// Depths returns the length of every queue the dispatcher drains.
func (d *Dispatcher) Depths(ctx context.Context) (map[string]int, error) {
	return Depths(ctx, d.backend, d.cfg.Regions)
}

// Depths returns the length of every priority queue of regions, keyed by queue key.
func Depths(ctx context.Context, b Backend, regions []string) (map[string]int, error) {
	out := make(map[string]int, len(regions)*len(domain.Priorities))
	for _, region := range regions {
		for _, p := range domain.Priorities {
			key := Key(region, p)
			n, err := b.Len(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("len %s: %w", key, err)
			}
			out[key] = n
		}
	}
	return out, nil
}
