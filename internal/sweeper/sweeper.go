// Package sweeper is the background safety net: it returns instances whose lease expired
// without a report to the pending pool and propagates upstream failures to dependents.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"meridian/internal/domain"
)

type Store interface {
	ReclaimExpiredLeases(ctx context.Context, limit int) ([]domain.Instance, error)
}

type Propagator interface {
	Propagate(ctx context.Context) (int, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches bounds the reclaim batches per pass.
	MaxBatches int
}

type Sweeper struct {
	store       Store
	propagator  Propagator
	cfg         Config
	batch       atomic.Int64
	onReclaimed func(n int)
	clock       clockwork.Clock
	stop        chan struct{}
}

type Option func(*Sweeper)

func WithClock(c clockwork.Clock) Option { return func(s *Sweeper) { s.clock = c } }

func WithReclaimHook(fn func(n int)) Option { return func(s *Sweeper) { s.onReclaimed = fn } }

func New(store Store, propagator Propagator, cfg Config, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	s := &Sweeper{store: store, propagator: propagator, cfg: cfg, clock: clockwork.NewRealClock(), stop: make(chan struct{})}
	s.SetBatchSize(cfg.BatchSize)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sweeper) SetBatchSize(n int) {
	if n <= 0 {
		n = 100
	}
	s.batch.Store(int64(n))
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.cfg.Interval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.Chan():
			if _, _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stop)
}

// Sweep reclaims expired leases in batches until a short batch, then propagates upstream
// failures until no more instances move. Both halves run even if the other fails.
func (s *Sweeper) Sweep(ctx context.Context) (reclaimed, blocked int, err error) {
	var result *multierror.Error

	limit := int(s.batch.Load())
	for i := 0; i < s.cfg.MaxBatches; i++ {
		got, err := s.store.ReclaimExpiredLeases(ctx, limit)
		reclaimed += len(got)
		for _, inst := range got {
			log.Info().Str("instance_id", inst.ID).Str("status", string(inst.Status)).
				Int("attempt_count", inst.AttemptCount).Msg("expired lease reclaimed")
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("reclaim: %w", err))
			break
		}
		if len(got) < limit {
			break
		}
	}
	if reclaimed > 0 && s.onReclaimed != nil {
		s.onReclaimed(reclaimed)
	}

	if s.propagator != nil {
		n, err := s.propagator.Propagate(ctx)
		blocked = n
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("propagate: %w", err))
		}
	}
	return reclaimed, blocked, result.ErrorOrNil()
}
