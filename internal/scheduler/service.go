// Package scheduler claims due instances from the task store and hands them to the router.
// Replicas need no coordination: each claim is a conditional update, so racing replicas
// each win disjoint rows.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"meridian/internal/domain"
	"meridian/internal/metrics"
)

type Store interface {
	ClaimDueInstances(ctx context.Context, region, claimant string, limit int, lease time.Duration) ([]domain.Instance, error)
}

type Router interface {
	Route(ctx context.Context, inst domain.Instance) (string, error)
}

type Config struct {
	// Claimant identifies this replica in claimed_by.
	Claimant  string
	Regions   []string
	Interval  time.Duration
	BatchSize int
	Lease     time.Duration
	// ClaimRate caps claim calls per second and region. Zero disables pacing.
	ClaimRate float64
}

type Service struct {
	store    Store
	router   Router
	cfg      Config
	batch    atomic.Int64
	limiters map[string]*rate.Limiter
	onClaim  func(region string, n int)
	clock    clockwork.Clock
	stop     chan struct{}
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithClaimHook is called after every claim call that won at least one instance.
func WithClaimHook(fn func(region string, n int)) Option {
	return func(s *Service) { s.onClaim = fn }
}

func NewService(store Store, router Router, cfg Config, opts ...Option) (*Service, error) {
	if cfg.Claimant == "" {
		return nil, fmt.Errorf("scheduler claimant is required")
	}
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one region")
	}
	if cfg.Lease <= 0 {
		return nil, fmt.Errorf("scheduler lease must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	s := &Service{
		store:    store,
		router:   router,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter, len(cfg.Regions)),
		clock:    clockwork.NewRealClock(),
		stop:     make(chan struct{}),
	}
	s.SetBatchSize(cfg.BatchSize)
	for _, r := range cfg.Regions {
		limit := rate.Inf
		if cfg.ClaimRate > 0 {
			limit = rate.Limit(cfg.ClaimRate)
		}
		s.limiters[r] = rate.NewLimiter(limit, 1)
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SetBatchSize changes the per-region claim limit; it takes effect on the next pass.
func (s *Service) SetBatchSize(n int) {
	if n <= 0 {
		n = 50
	}
	s.batch.Store(int64(n))
}

func (s *Service) BatchSize() int { return int(s.batch.Load()) }

// Start runs claim passes every interval until ctx is done or Stop is called. After a failed
// pass the next one is delayed with exponential backoff.
func (s *Service) Start(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.Interval).Strs("regions", s.cfg.Regions).Str("claimant", s.cfg.Claimant).
		Msg("scheduler started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Interval
	bo.MaxInterval = 30 * s.cfg.Interval
	bo.MaxElapsedTime = 0

	timer := s.clock.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.Chan():
		}
		wait := s.cfg.Interval
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			log.Error().Err(err).Dur("retry_in", wait).Msg("claim pass failed")
		} else {
			bo.Reset()
		}
		timer.Reset(wait)
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// RunOnce makes one claim pass over every region and returns the number of instances
// claimed. An instance that was claimed but could not be routed keeps its lease; the
// sweeper returns it to PENDING once the lease expires.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	var (
		total  int
		result *multierror.Error
	)
	for _, region := range s.cfg.Regions {
		n, err := s.claimRegion(ctx, region)
		total += n
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("region %s: %w", region, err))
		}
	}
	return total, result.ErrorOrNil()
}

func (s *Service) claimRegion(ctx context.Context, region string) (n int, err error) {
	if err := s.limiters[region].Wait(ctx); err != nil {
		return 0, err
	}
	ctx, span := metrics.StartSpan(ctx, "scheduler.claim", attribute.String("region", region))
	defer func() {
		span.SetAttributes(attribute.Int("claimed", n))
		metrics.EndSpan(span, err)
	}()

	claimed, err := s.store.ClaimDueInstances(ctx, region, s.cfg.Claimant, s.BatchSize(), s.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	if s.onClaim != nil {
		s.onClaim(region, len(claimed))
	}
	for _, inst := range claimed {
		key, err := s.router.Route(ctx, inst)
		if err != nil {
			log.Error().Err(err).Str("instance_id", inst.ID).Str("region", region).
				Msg("route failed, instance left for the sweeper")
			continue
		}
		log.Debug().Str("instance_id", inst.ID).Str("queue", key).Msg("instance dispatched")
	}
	return len(claimed), nil
}
