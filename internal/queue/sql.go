package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"meridian/internal/domain"
	"meridian/internal/store"
)

// SQLBackend keeps queues in the task store database (tables queue_entries and
// queue_regions). A region is reported unhealthy when it was marked down or the database
// cannot be reached.
type SQLBackend struct {
	db      *sqlx.DB
	dialect store.Dialect
	clock   clockwork.Clock
}

func NewSQLBackend(db *sqlx.DB, clock clockwork.Clock) *SQLBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLBackend{db: db, dialect: store.DialectOf(db), clock: clock}
}

func (b *SQLBackend) Push(ctx context.Context, key string, e Entry) error {
	at := e.EnqueuedAt
	if at.IsZero() {
		at = b.clock.Now()
	}
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`
INSERT INTO queue_entries (queue_key, instance_id, origin_region, enqueued_at) VALUES (?,?,?,?)`),
		key, e.InstanceID, e.OriginRegion, at.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Pop removes and returns the oldest entry of key. On postgres concurrent poppers skip each
// other's locked rows; SQLite serializes writers.
func (b *SQLBackend) Pop(ctx context.Context, key string) (Entry, error) {
	pick := `SELECT id FROM queue_entries WHERE queue_key = ? ORDER BY id LIMIT 1`
	if b.dialect == store.DialectPostgres {
		pick += ` FOR UPDATE SKIP LOCKED`
	}
	var row struct {
		InstanceID   string `db:"instance_id"`
		OriginRegion string `db:"origin_region"`
		EnqueuedAt   int64  `db:"enqueued_at"`
	}
	err := b.db.QueryRowxContext(ctx, b.db.Rebind(`
DELETE FROM queue_entries WHERE id = (`+pick+`)
RETURNING instance_id, origin_region, enqueued_at`), key).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return Entry{}, fmt.Errorf("pop %s: %w", key, err)
	}
	return Entry{
		InstanceID:   row.InstanceID,
		OriginRegion: row.OriginRegion,
		EnqueuedAt:   time.UnixMilli(row.EnqueuedAt).UTC(),
	}, nil
}

func (b *SQLBackend) Len(ctx context.Context, key string) (int, error) {
	var n int
	err := b.db.GetContext(ctx, &n, b.db.Rebind(`SELECT COUNT(*) FROM queue_entries WHERE queue_key = ?`), key)
	return n, err
}

func (b *SQLBackend) Healthy(ctx context.Context, region string) (bool, error) {
	if err := b.db.PingContext(ctx); err != nil {
		return false, nil
	}
	var healthy bool
	err := b.db.GetContext(ctx, &healthy, b.db.Rebind(`SELECT healthy FROM queue_regions WHERE region = ?`), region)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return healthy, nil
}

func (b *SQLBackend) SetHealthy(ctx context.Context, region string, healthy bool) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`
INSERT INTO queue_regions (region, healthy, updated_at) VALUES (?,?,?)
ON CONFLICT (region) DO UPDATE SET healthy = excluded.healthy, updated_at = excluded.updated_at`),
		region, healthy, b.clock.Now().UTC().UnixMilli())
	return err
}
