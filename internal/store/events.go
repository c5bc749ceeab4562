package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"meridian/internal/domain"
)

func (s *Store) appendEvent(ctx context.Context, tx *sqlx.Tx, t domain.Transition) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO instance_events (instance_id, old_status, new_status, claimant, region, detail, at)
VALUES (?,?,?,?,?,?,?)`), t.InstanceID, string(t.From), string(t.To), t.Claimant, t.Region, t.Detail, ms(t.At))
	return err
}

// ListEvents returns the audit trail of an instance, oldest first.
func (s *Store) ListEvents(ctx context.Context, instanceID string) ([]domain.Event, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var rows []struct {
		ID         int64  `db:"id"`
		InstanceID string `db:"instance_id"`
		From       string `db:"old_status"`
		To         string `db:"new_status"`
		Claimant   string `db:"claimant"`
		Region     string `db:"region"`
		Detail     string `db:"detail"`
		At         int64  `db:"at"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT id, instance_id, old_status, new_status, claimant, region, detail, at
FROM instance_events WHERE instance_id=? ORDER BY id`), instanceID); err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Event{
			ID: r.ID, InstanceID: r.InstanceID, From: domain.Status(r.From), To: domain.Status(r.To),
			Claimant: r.Claimant, Region: r.Region, Detail: r.Detail, At: fromMs(r.At),
		})
	}
	return out, nil
}

// Watermark returns the end of the last trigger window evaluated for a recurring definition.
func (s *Store) Watermark(ctx context.Context, definitionID string) (time.Time, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var through int64
	err := s.db.GetContext(ctx, &through, s.q(`SELECT evaluated_through FROM cron_watermarks WHERE definition_id=?`), definitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMs(through), true, nil
}

// AdvanceWatermark moves the watermark forward to through. It never moves it backwards, so
// replicas evaluating overlapping windows cannot undo each other's progress.
func (s *Store) AdvanceWatermark(ctx context.Context, definitionID string, through time.Time) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO cron_watermarks (definition_id, evaluated_through) VALUES (?,?)
ON CONFLICT (definition_id) DO UPDATE SET evaluated_through = excluded.evaluated_through
WHERE cron_watermarks.evaluated_through < excluded.evaluated_through`), definitionID, ms(through))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
