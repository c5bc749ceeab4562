// Package cronengine materializes the instances of recurring definitions.
//
// Each tick evaluates, per definition, the window between its watermark (the end of the last
// evaluated window, or the definition's creation time) and now. Every trigger in the window
// becomes an instance through the store's idempotent CreateInstance, so replicas may evaluate
// overlapping windows without coordination. The watermark only moves forward once all
// instances of a window exist.
package cronengine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"meridian/internal/domain"
	"meridian/internal/store"
)

type Store interface {
	ListRecurringDefinitions(ctx context.Context) ([]domain.Definition, error)
	CreateInstance(ctx context.Context, req store.InstanceRequest) (domain.Instance, bool, error)
	Watermark(ctx context.Context, definitionID string) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, definitionID string, through time.Time) (bool, error)
}

type Config struct {
	Interval time.Duration
	// MaxCatchUp caps the instances materialized per definition and window. Zero means no cap.
	MaxCatchUp int
}

type Engine struct {
	store    Store
	cfg      Config
	clock    clockwork.Clock
	onCreate func(catchUp bool, n int)
	stop     chan struct{}
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithCreateHook is called with the number of instances created per window; catchUp is true
// for instances of missed triggers other than the latest.
func WithCreateHook(fn func(catchUp bool, n int)) Option {
	return func(e *Engine) { e.onCreate = fn }
}

func New(s Store, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	e := &Engine{store: s, cfg: cfg, clock: clockwork.NewRealClock(), stop: make(chan struct{})}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Start(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.cfg.Interval).Msg("cron engine started")

	e.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.Chan():
			e.tickAndLog(ctx)
		}
	}
}

func (e *Engine) Stop() {
	close(e.stop)
}

func (e *Engine) tickAndLog(ctx context.Context) {
	if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("cron tick failed")
	}
}

// Tick evaluates every active recurring definition up to now and returns the number of
// instances it created. A failing definition does not stop the others.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	defs, err := e.store.ListRecurringDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list recurring definitions: %w", err)
	}
	now := e.clock.Now().UTC().Truncate(time.Millisecond)
	var (
		total  int
		result *multierror.Error
	)
	for _, def := range defs {
		n, err := e.evaluate(ctx, def, now)
		total += n
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("definition %s: %w", def.ID, err))
		}
	}
	return total, result.ErrorOrNil()
}

func (e *Engine) evaluate(ctx context.Context, def domain.Definition, now time.Time) (int, error) {
	schedule, err := domain.ParseRecurrence(def.Recurrence)
	if err != nil {
		return 0, err
	}
	after, ok, err := e.store.Watermark(ctx, def.ID)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	if !ok {
		after = def.CreatedAt
	}
	if !now.After(after) {
		return 0, nil
	}

	fire, skipped := Plan(schedule, after, now, def.CatchUp, e.cfg.MaxCatchUp)
	if skipped > 0 {
		ev := log.Warn()
		if !def.CatchUp {
			ev = log.Info()
		}
		ev.Str("definition_id", def.ID).Int("skipped", skipped).Int("materialized", len(fire)).
			Time("window_start", after).Time("window_end", now).Bool("catch_up", def.CatchUp).
			Msg("missed triggers discarded")
	}

	created := 0
	for i, at := range fire {
		inst, isNew, err := e.store.CreateInstance(ctx, store.InstanceRequest{DefinitionID: def.ID, ScheduledAt: at})
		if err != nil {
			return created, fmt.Errorf("create instance at %s: %w", at.Format(time.RFC3339), err)
		}
		if !isNew {
			continue
		}
		created++
		if e.onCreate != nil {
			e.onCreate(i < len(fire)-1, 1)
		}
		log.Info().Str("definition_id", def.ID).Str("instance_id", inst.ID).Time("scheduled_at", at).
			Msg("recurring instance created")
	}
	if _, err := e.store.AdvanceWatermark(ctx, def.ID, now); err != nil {
		return created, fmt.Errorf("advance watermark: %w", err)
	}
	return created, nil
}
