// Package store is the Task Store: the durable record of definitions, instances, dependency
// edges, audit events and cron watermarks.
//
// Every state change is a single-row conditional update (UPDATE ... WHERE <expected state>
// RETURNING ...). A change whose condition no longer holds affects zero rows and is reported
// to the caller as a lost race, never applied. The only multi-statement transactions are
// submissions (instance + edges) and the append of an audit row next to the row it describes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"meridian/internal/domain"
)

//go:embed migrations
var migrations embed.FS

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Open connects to the task store backend. driver is "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch strings.ToLower(driver) {
	case "", "sqlite":
		db, err = sqlx.Open("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1) // SQLite single writer
		}
	case "postgres", "pgx":
		db, err = sqlx.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// SQLiteDSN builds the DSN used for file-backed SQLite databases.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
}

func DialectOf(db *sqlx.DB) Dialect {
	if db.DriverName() == "pgx" {
		return DialectPostgres
	}
	return DialectSQLite
}

// EnsureSchema applies all pending migrations for the connected backend.
func EnsureSchema(db *sqlx.DB) error {
	var (
		drv  database.Driver
		dir  string
		name string
		err  error
	)
	switch DialectOf(db) {
	case DialectPostgres:
		drv, err = pgxmigrate.WithInstance(db.DB, &pgxmigrate.Config{})
		dir, name = "migrations/postgres", "pgx5"
	default:
		drv, err = sqlitemigrate.WithInstance(db.DB, &sqlitemigrate.Config{})
		dir, name = "migrations/sqlite", "sqlite"
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Observer receives every committed status transition.
type Observer interface {
	OnTransition(t domain.Transition)
}

type ObserverFunc func(t domain.Transition)

func (f ObserverFunc) OnTransition(t domain.Transition) { f(t) }

type Option func(*Store)

func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// WithTimeout bounds every store call. Callers treat a timed out call as failed.
func WithTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

type Store struct {
	db        *sqlx.DB
	dialect   Dialect
	clock     clockwork.Clock
	observers []Observer
	timeout   time.Duration
}

func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, dialect: DialectOf(db), clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying connection (shared with the sql queue backend).
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Now is the store's notion of the current time, truncated to the stored precision.
func (s *Store) Now() time.Time { return s.clock.Now().UTC().Truncate(time.Millisecond) }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) emit(ts ...domain.Transition) {
	for _, t := range ts {
		for _, o := range s.observers {
			o.OnTransition(t)
		}
	}
}

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }
