// Package worker executes queued instances and reports their outcome to the task store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"meridian/internal/domain"
	"meridian/internal/metrics"
	"meridian/internal/queue"
	"meridian/internal/store"
)

type Store interface {
	GetDefinition(ctx context.Context, id string) (domain.Definition, error)
	BeginExecution(ctx context.Context, id, worker string, lease time.Duration) (domain.Instance, error)
	ExtendLease(ctx context.Context, id, claimant string, lease time.Duration) (bool, error)
	ReportStatus(ctx context.Context, r store.StatusReport) (domain.Instance, error)
}

// Source hands out queue entries to worker slots.
type Source interface {
	Next(ctx context.Context, worker int) (queue.Delivery, error)
}

type Config struct {
	// ID prefixes the claimant of every worker slot ("<id>/<slot>").
	ID        string
	Size      int
	Lease     time.Duration
	Heartbeat time.Duration
	// HandlerTimeout bounds one execution. Zero means no bound beyond the lease.
	HandlerTimeout time.Duration
	Retry          RetryPolicy
	// StoreRetry paces retries of failed task store calls.
	StoreRetry RetryPolicy
}

type Pool struct {
	store    Store
	source   Source
	handlers map[string]Handler
	cfg      Config
	onStale  func()
	wg       sync.WaitGroup
}

type Option func(*Pool)

// WithStaleHook is called whenever a report is discarded because the lease was lost.
func WithStaleHook(fn func()) Option { return func(p *Pool) { p.onStale = fn } }

func NewPool(s Store, source Source, handlers map[string]Handler, cfg Config, opts ...Option) (*Pool, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive")
	}
	if cfg.Lease <= 0 {
		return nil, fmt.Errorf("worker lease must be positive")
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat >= cfg.Lease {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.StoreRetry.Base <= 0 {
		cfg.StoreRetry = RetryPolicy{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2}
	}
	p := &Pool{store: s, source: source, handlers: handlers, cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Pool) claimant(slot int) string { return p.cfg.ID + "/" + strconv.Itoa(slot) }

// Run starts Size worker slots and blocks until ctx is done and every slot has finished its
// current instance.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("size", p.cfg.Size).Str("worker_id", p.cfg.ID).Msg("worker pool started")
	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	p.wg.Wait()
	log.Info().Str("worker_id", p.cfg.ID).Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		d, err := p.source.Next(ctx, slot)
		switch {
		case errors.Is(err, domain.ErrQueueEmpty):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("slot", slot).Msg("dequeue failed")
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.StoreRetry.Delay(1)):
			}
			continue
		}
		if err := p.Execute(ctx, slot, d.InstanceID); err != nil && !errors.Is(err, domain.ErrStaleClaim) &&
			!errors.Is(err, domain.ErrLeaseLost) {
			log.Error().Err(err).Str("instance_id", d.InstanceID).Msg("execution failed")
		}
	}
}

// Execute runs one dequeued instance in worker slot and reports the outcome. It returns
// ErrStaleClaim when the instance was no longer claimed (already executed, reclaimed or
// cancelled) and ErrLeaseLost when the lease was lost mid-execution, in which case nothing
// is reported and the sweeper owns the instance.
func (p *Pool) Execute(ctx context.Context, slot int, instanceID string) (err error) {
	claimant := p.claimant(slot)
	ctx, span := metrics.StartSpan(ctx, "worker.execute",
		attribute.String("instance_id", instanceID), attribute.String("claimant", claimant))
	defer func() { metrics.EndSpan(span, err) }()

	inst, err := retryStore(ctx, p.cfg.StoreRetry, 5, func() (domain.Instance, error) {
		return p.store.BeginExecution(ctx, instanceID, claimant, p.cfg.Lease)
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleClaim) {
			log.Warn().Err(err).Str("instance_id", instanceID).Msg("dequeued instance no longer claimed, dropping")
		}
		return fmt.Errorf("begin execution: %w", err)
	}
	if inst.CancelRequested {
		// cancelled while waiting in the queue
		return p.report(ctx, inst, claimant, domain.StatusCancelled, 0, "cancelled before execution")
	}
	def, err := retryStore(ctx, p.cfg.StoreRetry, 5, func() (domain.Definition, error) {
		return p.store.GetDefinition(ctx, inst.DefinitionID)
	})
	if err != nil {
		return fmt.Errorf("load definition: %w", err)
	}
	span.SetAttributes(attribute.String("kind", def.Kind), attribute.Int("attempt", inst.AttemptCount+1))

	h, ok := p.handlers[def.Kind]
	if !ok {
		return p.report(ctx, inst, claimant, domain.StatusDeadLetter, 0, fmt.Sprintf("no handler for kind %q", def.Kind))
	}

	execErr, cause := p.run(ctx, h, inst, def, claimant)
	if errors.Is(cause, domain.ErrLeaseLost) {
		log.Warn().Str("instance_id", inst.ID).Str("claimant", claimant).Msg("lease lost during execution, result discarded")
		if p.onStale != nil {
			p.onStale()
		}
		return fmt.Errorf("%w: %s", domain.ErrLeaseLost, inst.ID)
	}

	rctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if execErr != nil && !errors.Is(cause, domain.ErrCancelled) {
			// shutting down: hand the attempt back instead of failing it
			return p.report(rctx, inst, claimant, domain.StatusPending, 0, "worker shutting down")
		}
	}
	if errors.Is(cause, domain.ErrCancelled) || errors.Is(execErr, domain.ErrCancelled) {
		return p.report(rctx, inst, claimant, domain.StatusCancelled, 0, "cancelled during execution")
	}

	success, retryable := domain.Classify(execErr)
	switch {
	case success:
		return p.report(rctx, inst, claimant, domain.StatusCompleted, 0, "")
	case retryable && inst.AttemptCount+1 < inst.MaxAttempts:
		delay := p.cfg.Retry.Delay(inst.AttemptCount + 1)
		log.Info().Err(execErr).Str("instance_id", inst.ID).Int("attempt", inst.AttemptCount+1).
			Dur("retry_in", delay).Msg("execution failed, will retry")
		return p.report(rctx, inst, claimant, domain.StatusPending, delay, execErr.Error())
	default:
		log.Warn().Err(execErr).Str("instance_id", inst.ID).Int("attempt", inst.AttemptCount+1).
			Bool("retryable", retryable).Msg("execution failed, dead-lettering")
		return p.report(rctx, inst, claimant, domain.StatusDeadLetter, 0, execErr.Error())
	}
}

// run executes the handler under a heartbeat. cause is the reason the execution context was
// cancelled by the pool, if it was.
func (p *Pool) run(ctx context.Context, h Handler, inst domain.Instance, def domain.Definition, claimant string) (err, cause error) {
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.cfg.HandlerTimeout > 0 {
		var stop context.CancelFunc
		execCtx, stop = context.WithTimeout(execCtx, p.cfg.HandlerTimeout)
		defer stop()
	}

	checkpoint := func(cctx context.Context) error {
		cancelRequested, err := p.store.ExtendLease(cctx, inst.ID, claimant, p.cfg.Lease)
		switch {
		case errors.Is(err, domain.ErrStaleClaim):
			cancel(domain.ErrLeaseLost)
			return fmt.Errorf("%w: %v", domain.ErrLeaseLost, err)
		case err != nil:
			log.Warn().Err(err).Str("instance_id", inst.ID).Msg("lease renewal failed")
			return nil
		case cancelRequested:
			cancel(domain.ErrCancelled)
			return domain.ErrCancelled
		}
		return nil
	}

	hbDone := make(chan struct{})
	hbStop := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(p.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-execCtx.Done():
				return
			case <-t.C:
				if checkpoint(execCtx) != nil {
					return
				}
			}
		}
	}()

	err = h.Handle(execCtx, Task{
		InstanceID:   inst.ID,
		DefinitionID: def.ID,
		Kind:         def.Kind,
		Payload:      def.Payload,
		Region:       inst.Region,
		AttemptCount: inst.AttemptCount,
		checkpoint:   checkpoint,
	})
	close(hbStop)
	<-hbDone

	cause = context.Cause(execCtx)
	if !errors.Is(cause, domain.ErrLeaseLost) && !errors.Is(cause, domain.ErrCancelled) {
		cause = nil
	}
	return err, cause
}

func (p *Pool) report(ctx context.Context, inst domain.Instance, claimant string, status domain.Status, retryAfter time.Duration, msg string) error {
	_, err := retryStore(ctx, p.cfg.StoreRetry, 5, func() (domain.Instance, error) {
		return p.store.ReportStatus(ctx, store.StatusReport{
			InstanceID: inst.ID, Claimant: claimant, Status: status, RetryAfter: retryAfter, Error: msg,
		})
	})
	if errors.Is(err, domain.ErrStaleClaim) {
		log.Warn().Err(err).Str("instance_id", inst.ID).Str("status", string(status)).Msg("late status report discarded")
		if p.onStale != nil {
			p.onStale()
		}
	}
	if err != nil {
		return fmt.Errorf("report %s: %w", status, err)
	}
	return nil
}
