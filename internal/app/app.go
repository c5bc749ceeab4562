// Package app wires the scheduler components for one process. A process runs any subset of
// the roles; every role shares the same task store and queue backend.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"meridian/internal/api"
	"meridian/internal/config"
	"meridian/internal/cronengine"
	"meridian/internal/domain"
	httphandler "meridian/internal/handlers/http"
	"meridian/internal/handlers/shell"
	"meridian/internal/metrics"
	"meridian/internal/queue"
	"meridian/internal/resolver"
	"meridian/internal/router"
	"meridian/internal/scheduler"
	"meridian/internal/store"
	"meridian/internal/sweeper"
	"meridian/internal/worker"
)

type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
	RoleSweeper   Role = "sweeper"
	RoleCron      Role = "cron"
	RoleAPI       Role = "api"
)

var AllRoles = []Role{RoleScheduler, RoleWorker, RoleSweeper, RoleCron, RoleAPI}

// ParseRoles reads a comma separated role list. "all" or an empty string selects every role.
func ParseRoles(raw string) ([]Role, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "all" {
		return AllRoles, nil
	}
	var out []Role
	for _, part := range strings.Split(raw, ",") {
		r := Role(strings.ToLower(strings.TrimSpace(part)))
		if r == "" {
			continue
		}
		if !slices.Contains(AllRoles, r) {
			return nil, fmt.Errorf("unknown role %q", part)
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no roles selected")
	}
	return out, nil
}

type App struct {
	cfg      *config.Manager
	settings *config.Settings
	db       *sqlx.DB
	store    *store.Store
	metrics  *metrics.Metrics
	backend  queue.Backend
	handlers map[string]worker.Handler
}

// Open connects to the task store, applies migrations, seeds the configured definitions and
// prepares the queue backend. Close releases the connection.
func Open(ctx context.Context, mgr *config.Manager) (*App, error) {
	s := mgr.Get()
	if s == nil {
		var err error
		if s, err = mgr.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	db, err := OpenDB(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	m := metrics.New()
	st := store.New(db,
		store.WithTimeout(s.Store.Timeout),
		store.WithObserver(m),
		store.WithObserver(store.ObserverFunc(logTransition)),
	)

	a := &App{cfg: mgr, settings: s, db: db, store: st, metrics: m}
	switch s.Queue.Backend {
	case "memory":
		a.backend = queue.NewMemoryBackend(nil)
	default:
		a.backend = queue.NewSQLBackend(db, nil)
	}
	a.handlers = map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  httphandler.HTTP{},
		// noop completes at once; operators use it to smoke-test claim, routing and reporting
		// without side effects.
		"noop": worker.HandlerFunc(func(context.Context, worker.Task) error { return nil }),
	}

	if err := a.seed(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// OpenDB opens the configured task store backend. A bare SQLite path gets WAL and busy
// timeout pragmas.
func OpenDB(ctx context.Context, s *config.Settings) (*sqlx.DB, error) {
	dsn := s.Store.DSN
	if s.Store.Driver == "sqlite" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = store.SQLiteDSN(dsn)
	}
	octx, cancel := context.WithTimeout(ctx, s.Store.Timeout)
	defer cancel()
	db, err := store.Open(octx, s.Store.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func (a *App) Store() *store.Store        { return a.store }
func (a *App) Backend() queue.Backend     { return a.backend }
func (a *App) Metrics() *metrics.Metrics  { return a.metrics }
func (a *App) Settings() *config.Settings { return a.settings }

// RegisterHandler adds or replaces the handler for a definition kind. Call before Run.
func (a *App) RegisterHandler(kind string, h worker.Handler) { a.handlers[kind] = h }

func (a *App) Close() error { return a.db.Close() }

// seed creates the configured definitions. Definitions are immutable, so a seed that differs
// from the stored definition of the same id fails startup.
func (a *App) seed(ctx context.Context) error {
	pending := slices.Clone(a.settings.Definitions)
	for len(pending) > 0 {
		var next []domain.Definition
		for _, d := range pending {
			if slices.ContainsFunc(d.DependsOn, func(dep string) bool {
				return slices.ContainsFunc(pending, func(p domain.Definition) bool { return p.ID == dep })
			}) {
				next = append(next, d)
				continue
			}
			if _, err := a.store.CreateDefinition(ctx, d); err != nil {
				return fmt.Errorf("seed definition %s: %w", d.ID, err)
			}
			log.Info().Str("definition_id", d.ID).Str("kind", d.Kind).Msg("definition seeded")
		}
		if len(next) == len(pending) {
			return fmt.Errorf("seed definitions: %w among %d definitions", domain.ErrDependencyCycle, len(next))
		}
		pending = next
	}
	return nil
}

func logTransition(t domain.Transition) {
	ev := log.Debug()
	if t.To == domain.StatusDeadLetter || t.To == domain.StatusBlockedFailed {
		ev = log.Warn()
	}
	ev.Str("instance_id", t.InstanceID).Str("definition_id", t.DefinitionID).
		Str("from", string(t.From)).Str("to", string(t.To)).Str("claimant", t.Claimant).
		Str("region", t.Region).Str("detail", t.Detail).Msg("instance transition")
}

// Run builds the given roles, starts them and blocks until ctx is done. Shutdown waits for
// every role to finish; workers complete or hand back their current instance first.
func (a *App) Run(ctx context.Context, roles []Role) error {
	s := a.settings
	var (
		runners []func(ctx context.Context) error
		sched   *scheduler.Service
		sweep   *sweeper.Sweeper
	)
	rt := router.New(a.backend, a.store, s.Failover, router.WithRerouteHook(a.metrics.Rerouted))

	for _, role := range roles {
		switch role {
		case RoleScheduler:
			svc, err := scheduler.NewService(a.store, rt, scheduler.Config{
				Claimant:  s.NodeID + "/scheduler",
				Regions:   s.Regions,
				Interval:  s.Scheduler.Interval,
				BatchSize: s.Scheduler.BatchSize,
				Lease:     s.Scheduler.Lease,
				ClaimRate: s.Scheduler.ClaimRate,
			}, scheduler.WithClaimHook(a.metrics.Claimed))
			if err != nil {
				return err
			}
			sched = svc
			runners = append(runners, func(ctx context.Context) error { svc.Start(ctx); return nil })

		case RoleWorker:
			pool, err := a.workerPool()
			if err != nil {
				return err
			}
			runners = append(runners, func(ctx context.Context) error { pool.Run(ctx); return nil })

		case RoleSweeper:
			sw := sweeper.New(a.store, resolver.New(a.store, s.Sweeper.BatchSize), sweeper.Config{
				Interval:  s.Sweeper.Interval,
				BatchSize: s.Sweeper.BatchSize,
			}, sweeper.WithReclaimHook(a.metrics.Reclaimed))
			sweep = sw
			runners = append(runners, func(ctx context.Context) error { sw.Start(ctx); return nil })

		case RoleCron:
			eng := cronengine.New(a.store, cronengine.Config{
				Interval:   s.Cron.Interval,
				MaxCatchUp: s.Cron.MaxCatchUp,
			}, cronengine.WithCreateHook(a.metrics.CronMaterialized))
			runners = append(runners, func(ctx context.Context) error { eng.Start(ctx); return nil })

		case RoleAPI:
			srv := &http.Server{
				Addr: s.API.Addr,
				Handler: api.NewServer(a.store, a.backend, api.Options{
					Regions: s.Regions, Metrics: a.metrics.Handler(), Debug: s.API.Pprof,
				}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			runners = append(runners, func(ctx context.Context) error { return serve(ctx, srv) })
		}
	}
	reloads := a.cfg.Subscribe(1)
	defer a.cfg.Unsubscribe(reloads)
	runners = append(runners,
		func(ctx context.Context) error { a.reportQueueDepths(ctx, 15*time.Second); return nil },
		func(ctx context.Context) error { return a.cfg.Watch(ctx) },
		func(ctx context.Context) error { a.applyReloads(ctx, reloads, sched, sweep); return nil },
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(gctx) })
	}
	log.Info().Str("node_id", s.NodeID).Strs("roles", roleNames(roles)).Msg("meridian running")
	err := g.Wait()
	log.Info().Msg("meridian stopped")
	return err
}

func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *App) workerPool() (*worker.Pool, error) {
	s := a.settings
	disp, err := queue.NewDispatcher(a.backend, queue.DispatcherConfig{
		Regions:      s.Regions,
		Workers:      s.Worker.Size,
		ReserveShare: s.Worker.ReserveShare,
		PollInterval: s.Worker.PollInterval,
	}, nil)
	if err != nil {
		return nil, err
	}
	return worker.NewPool(a.store, disp, a.handlers, worker.Config{
		ID:             s.NodeID + "/worker",
		Size:           s.Worker.Size,
		Lease:          s.Worker.Lease,
		Heartbeat:      s.Worker.Heartbeat,
		HandlerTimeout: s.Worker.HandlerTimeout,
		Retry: worker.RetryPolicy{
			Base:   s.Worker.RetryBase,
			Max:    s.Worker.RetryMax,
			Jitter: s.Worker.RetryJitter,
		},
	}, worker.WithStaleHook(a.metrics.StaleReport))
}

// applyReloads pushes the hot-reloadable tunables of every published config to the running
// components. Everything else needs a restart.
func (a *App) applyReloads(ctx context.Context, ch <-chan *config.Settings, sched *scheduler.Service, sweep *sweeper.Sweeper) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			if sched != nil {
				sched.SetBatchSize(s.Scheduler.BatchSize)
			}
			if sweep != nil {
				sweep.SetBatchSize(s.Sweeper.BatchSize)
			}
			if s.Log.Level != a.settings.Log.Level {
				log.Warn().Str("level", s.Log.Level).Msg("log level changes need a restart")
			}
			log.Info().Int("scheduler_batch", s.Scheduler.BatchSize).Int("sweeper_batch", s.Sweeper.BatchSize).
				Msg("config applied")
		}
	}
}

func (a *App) reportQueueDepths(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		depths, err := queue.Depths(ctx, a.backend, a.settings.Regions)
		if err == nil {
			a.metrics.QueueDepths(depths)
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Msg("queue depth probe failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func roleNames(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
