package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"meridian/internal/domain"
	"meridian/internal/resolver"
)

// AddDependency records that instanceID may not run before dependsOn completes. Edges that
// would close a cycle are rejected with ErrDependencyCycle via a transitive closure check
// over the stored edges. Only pending instances can gain upstreams.
func (s *Store) AddDependency(ctx context.Context, instanceID, dependsOn string) error {
	if instanceID == dependsOn {
		return fmt.Errorf("%w: %s depends on itself", domain.ErrDependencyCycle, instanceID)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		inst, err := s.getInstance(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, instanceID, inst.Status)
		}
		if _, err := s.getInstance(ctx, tx, dependsOn); err != nil {
			return err
		}
		var hits int
		if err := sqlx.GetContext(ctx, tx, &hits, s.q(`
WITH RECURSIVE upstream(id) AS (
  SELECT CAST(? AS TEXT)
  UNION
  SELECT e.depends_on_instance_id FROM dependency_edges e JOIN upstream u ON e.instance_id = u.id
)
SELECT COUNT(*) FROM upstream WHERE id = ?`), dependsOn, instanceID); err != nil {
			return fmt.Errorf("closure check: %w", err)
		}
		if hits > 0 {
			return fmt.Errorf("%w: %s -> %s", domain.ErrDependencyCycle, instanceID, dependsOn)
		}
		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO dependency_edges (instance_id, depends_on_instance_id) VALUES (?,?) ON CONFLICT DO NOTHING`), instanceID, dependsOn)
		return err
	})
}

// Edges returns the upstream edges of an instance.
func (s *Store) Edges(ctx context.Context, instanceID string) ([]domain.Edge, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var rows []struct {
		InstanceID string `db:"instance_id"`
		DependsOn  string `db:"depends_on_instance_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT instance_id, depends_on_instance_id FROM dependency_edges WHERE instance_id=? ORDER BY depends_on_instance_id`), instanceID); err != nil {
		return nil, err
	}
	out := make([]domain.Edge, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Edge{InstanceID: r.InstanceID, DependsOn: r.DependsOn})
	}
	return out, nil
}

func (s *Store) UpstreamStatuses(ctx context.Context, instanceID string) ([]domain.Status, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var statuses []string
	if err := s.db.SelectContext(ctx, &statuses, s.q(`
SELECT d.status FROM dependency_edges e
JOIN task_instances d ON d.instance_id = e.depends_on_instance_id
WHERE e.instance_id = ?`), instanceID); err != nil {
		return nil, err
	}
	out := make([]domain.Status, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, domain.Status(st))
	}
	return out, nil
}

// ListBlockedByFailedUpstream finds pending instances with an upstream that can never complete.
func (s *Store) ListBlockedByFailedUpstream(ctx context.Context, limit int) ([]resolver.Blocked, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var rows []struct {
		InstanceID string `db:"instance_id"`
		Upstream   string `db:"depends_on_instance_id"`
		Status     string `db:"status"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT e.instance_id, e.depends_on_instance_id, d.status FROM dependency_edges e
JOIN task_instances i ON i.instance_id = e.instance_id
JOIN task_instances d ON d.instance_id = e.depends_on_instance_id
WHERE i.status = 'PENDING' AND d.status IN ('DEAD_LETTER','BLOCKED_FAILED','CANCELLED')
ORDER BY e.instance_id, e.depends_on_instance_id
LIMIT ?`), limit); err != nil {
		return nil, err
	}
	out := make([]resolver.Blocked, 0, len(rows))
	for _, r := range rows {
		out = append(out, resolver.Blocked{InstanceID: r.InstanceID, Upstream: r.Upstream, Status: domain.Status(r.Status)})
	}
	return out, nil
}

// MarkBlockedFailed moves a pending instance to the terminal BLOCKED_FAILED state. It reports
// false when the instance was no longer pending.
func (s *Store) MarkBlockedFailed(ctx context.Context, instanceID, cause string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()
	var (
		row instanceRow
		t   domain.Transition
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET status = 'BLOCKED_FAILED', completed_at = ?, last_error = ?, updated_at = ?
WHERE instance_id = ? AND status = 'PENDING'
RETURNING `+instanceColumns), ms(now), cause, ms(now), instanceID).StructScan(&row)
		if err != nil {
			return err
		}
		t = domain.Transition{
			InstanceID: row.ID, DefinitionID: row.DefinitionID, From: domain.StatusPending,
			To: domain.StatusBlockedFailed, Region: row.Region, Detail: cause, At: now,
		}
		return s.appendEvent(ctx, tx, t)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.emit(t)
	return true, nil
}
