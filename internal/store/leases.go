package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"meridian/internal/domain"
)

// unblockedPredicate is the dependency resolver's claimability test embedded in SQL:
// no upstream edge may point at an instance that has not completed. %s is the qualifier
// of the outer task_instances row.
const unblockedPredicate = `NOT EXISTS (
  SELECT 1 FROM dependency_edges e
  JOIN task_instances d ON d.instance_id = e.depends_on_instance_id
  WHERE e.instance_id = %s.instance_id AND d.status <> 'COMPLETED'
)`

// ClaimDueInstances leases up to limit due, unblocked, pending instances of region to
// claimant. Each candidate is claimed by its own conditional update; candidates taken by a
// racing claimant in the meantime are skipped, so only rows this call actually won are
// returned.
func (s *Store) ClaimDueInstances(ctx context.Context, region, claimant string, limit int, lease time.Duration) ([]domain.Instance, error) {
	if claimant == "" {
		return nil, fmt.Errorf("claimant is required")
	}
	if limit <= 0 || lease <= 0 {
		return nil, fmt.Errorf("limit and lease must be positive")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := s.Now()
	var candidates []string
	if err := s.db.SelectContext(ctx, &candidates, s.q(`
SELECT i.instance_id FROM task_instances i
WHERE i.region = ? AND i.status = 'PENDING' AND i.scheduled_at <= ? AND i.next_eligible_at <= ?
  AND `+fmt.Sprintf(unblockedPredicate, "i")+`
ORDER BY i.priority, i.scheduled_at, i.instance_id
LIMIT ?`), region, ms(now), ms(now), limit); err != nil {
		return nil, fmt.Errorf("select due instances: %w", err)
	}

	claimed := make([]domain.Instance, 0, len(candidates))
	var emitted []domain.Transition
	for _, id := range candidates {
		var (
			row instanceRow
			t   domain.Transition
		)
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			err := tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET status = 'CLAIMED', claimed_by = ?, lease_expires_at = ?, updated_at = ?
WHERE instance_id = ? AND status = 'PENDING' AND scheduled_at <= ? AND next_eligible_at <= ?
  AND `+fmt.Sprintf(unblockedPredicate, "task_instances")+`
RETURNING `+instanceColumns), claimant, ms(now.Add(lease)), ms(now), id, ms(now), ms(now)).StructScan(&row)
			if err != nil {
				return err
			}
			t = domain.Transition{
				InstanceID: row.ID, DefinitionID: row.DefinitionID, From: domain.StatusPending,
				To: domain.StatusClaimed, Claimant: claimant, Region: row.Region, At: now,
			}
			return s.appendEvent(ctx, tx, t)
		})
		if errors.Is(err, sql.ErrNoRows) {
			continue // lost the race for this row
		}
		if err != nil {
			s.emit(emitted...)
			return claimed, fmt.Errorf("claim %s: %w", id, err)
		}
		emitted = append(emitted, t)
		claimed = append(claimed, row.toDomain())
	}
	s.emit(emitted...)
	return claimed, nil
}

// BeginExecution hands the lease of a claimed instance to the executing worker and moves it
// to RUNNING. It fails with ErrStaleClaim when the instance is no longer claimed under a
// valid lease, e.g. because the sweeper reclaimed it or another worker started it.
func (s *Store) BeginExecution(ctx context.Context, id, worker string, lease time.Duration) (domain.Instance, error) {
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
SET status = 'RUNNING', claimed_by = ?, lease_expires_at = ?, updated_at = ?
WHERE instance_id = ? AND status = 'CLAIMED' AND lease_expires_at > ?
RETURNING `+instanceColumns), worker, ms(now.Add(lease)), ms(now), id, ms(now)).StructScan(&row)
		if err != nil {
			return err
		}
		t = domain.Transition{
			InstanceID: row.ID, DefinitionID: row.DefinitionID, From: domain.StatusClaimed,
			To: domain.StatusRunning, Claimant: worker, Region: row.Region, At: now,
		}
		return s.appendEvent(ctx, tx, t)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, s.staleOrMissing(ctx, id)
	}
	if err != nil {
		return domain.Instance{}, err
	}
	s.emit(t)
	return row.toDomain(), nil
}

// ExtendLease renews claimant's lease and reports whether cancellation was requested. It is
// the worker's heartbeat and cancellation checkpoint.
func (s *Store) ExtendLease(ctx context.Context, id, claimant string, lease time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()
	var cancelRequested bool
	err := s.db.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET lease_expires_at = ?, updated_at = ?
WHERE instance_id = ? AND claimed_by = ? AND lease_expires_at > ? AND status IN ('CLAIMED','RUNNING')
RETURNING cancel_requested`), ms(now.Add(lease)), ms(now), id, claimant, ms(now)).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, s.staleOrMissing(ctx, id)
	}
	return cancelRequested, err
}

// StatusReport is a lease holder's report on an instance it executes.
type StatusReport struct {
	InstanceID string
	Claimant   string
	Status     domain.Status
	// RetryAfter delays eligibility of a PENDING (retry) report.
	RetryAfter time.Duration
	Error      string
}

// ReportStatus applies a lease holder's status report. It fails with ErrStaleClaim when the
// claimant no longer holds a valid lease: the report is discarded and the instance keeps
// whatever state the sweeper or a newer claimant gave it. A retry report that would exceed
// max_attempts dead-letters the instance instead.
func (s *Store) ReportStatus(ctx context.Context, r StatusReport) (domain.Instance, error) {
	from := domain.ReportableFrom(r.Status)
	if from == nil {
		return domain.Instance{}, fmt.Errorf("%w: cannot report %s", domain.ErrInvalidTransition, r.Status)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()

	var (
		row instanceRow
		t   domain.Transition
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := s.getInstance(ctx, tx, r.InstanceID)
		if err != nil {
			return err
		}
		if !cur.LeaseValid(r.Claimant, now) {
			return fmt.Errorf("%w: %s is %s, held by %q", domain.ErrStaleClaim, cur.ID, cur.Status, cur.ClaimedBy)
		}
		if !slices.Contains(from, cur.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cur.Status, r.Status)
		}

		to := r.Status
		attempts := cur.AttemptCount
		claimedBy := nullable(cur.ClaimedBy)
		lease := sql.NullInt64{Int64: ms(*cur.LeaseExpiresAt), Valid: true}
		nextEligible := cur.NextEligibleAt
		var completed sql.NullInt64
		lastErr := cur.LastError
		if r.Error != "" {
			lastErr = r.Error
		}

		switch to {
		case domain.StatusPending:
			attempts++
			if attempts >= cur.MaxAttempts {
				to = domain.StatusDeadLetter
			}
			nextEligible = now.Add(r.RetryAfter)
		case domain.StatusDeadLetter:
			attempts++
		}
		if to != domain.StatusRunning {
			claimedBy, lease = sql.NullString{}, sql.NullInt64{}
		}
		if to.Terminal() {
			completed = sql.NullInt64{Int64: ms(now), Valid: true}
		}

		err = tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET status = ?, attempt_count = ?, claimed_by = ?, lease_expires_at = ?, next_eligible_at = ?,
    completed_at = ?, last_error = ?, updated_at = ?
WHERE instance_id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?
RETURNING `+instanceColumns),
			string(to), attempts, claimedBy, lease, ms(nextEligible), completed, lastErr, ms(now),
			cur.ID, string(cur.Status), r.Claimant, ms(now)).StructScan(&row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrStaleClaim, cur.ID)
		}
		if err != nil {
			return err
		}
		t = domain.Transition{
			InstanceID: row.ID, DefinitionID: row.DefinitionID, From: cur.Status, To: to,
			Claimant: r.Claimant, Region: row.Region, Detail: r.Error, At: now,
		}
		return s.appendEvent(ctx, tx, t)
	})
	if err != nil {
		return domain.Instance{}, err
	}
	s.emit(t)
	return row.toDomain(), nil
}

// ReclaimExpiredLeases returns up to limit instances whose lease expired without a terminal
// report to PENDING, counting the stranded attempt. Each stale lease is reclaimed at most
// once: the update is conditioned on the exact (status, claimant, expiry) that was observed.
// Instances with no attempts left are dead-lettered, those with a pending cancel request are
// cancelled.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, limit int) ([]domain.Instance, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()

	var stale []struct {
		ID        string `db:"instance_id"`
		Status    string `db:"status"`
		ClaimedBy string `db:"claimed_by"`
		Lease     int64  `db:"lease_expires_at"`
	}
	if err := s.db.SelectContext(ctx, &stale, s.q(`
SELECT instance_id, status, claimed_by, lease_expires_at FROM task_instances
WHERE status IN ('CLAIMED','RUNNING') AND lease_expires_at <= ? AND claimed_by IS NOT NULL
ORDER BY lease_expires_at
LIMIT ?`), ms(now), limit); err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}

	var (
		out     []domain.Instance
		emitted []domain.Transition
	)
	for _, c := range stale {
		var (
			row instanceRow
			t   domain.Transition
		)
		detail := fmt.Sprintf("lease held by %s expired", c.ClaimedBy)
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			err := tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET status = CASE
      WHEN cancel_requested THEN 'CANCELLED'
      WHEN attempt_count + 1 >= max_attempts THEN 'DEAD_LETTER'
      ELSE 'PENDING' END,
    completed_at = CASE
      WHEN cancel_requested OR attempt_count + 1 >= max_attempts THEN CAST(? AS BIGINT)
      ELSE NULL END,
    attempt_count = attempt_count + 1,
    claimed_by = NULL, lease_expires_at = NULL, next_eligible_at = ?, last_error = ?, updated_at = ?
WHERE instance_id = ? AND status = ? AND claimed_by = ? AND lease_expires_at = ?
RETURNING `+instanceColumns),
				ms(now), ms(now), detail, ms(now), c.ID, c.Status, c.ClaimedBy, c.Lease).StructScan(&row)
			if err != nil {
				return err
			}
			t = domain.Transition{
				InstanceID: row.ID, DefinitionID: row.DefinitionID, From: domain.Status(c.Status),
				To: domain.Status(row.Status), Claimant: c.ClaimedBy, Region: row.Region, Detail: detail, At: now,
			}
			return s.appendEvent(ctx, tx, t)
		})
		if errors.Is(err, sql.ErrNoRows) {
			continue // reported, extended or reclaimed by someone else first
		}
		if err != nil {
			s.emit(emitted...)
			return out, fmt.Errorf("reclaim %s: %w", c.ID, err)
		}
		emitted = append(emitted, t)
		out = append(out, row.toDomain())
	}
	s.emit(emitted...)
	return out, nil
}

// RequestCancel cancels a pending instance outright, or flags a claimed or running one so
// that its executor aborts at the next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, id string) (domain.Instance, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()
	var (
		row     instanceRow
		emitted []domain.Transition
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := s.getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case domain.StatusPending:
			err = tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET status = 'CANCELLED', cancel_requested = ?, completed_at = ?, updated_at = ?
WHERE instance_id = ? AND status = 'PENDING'
RETURNING `+instanceColumns), true, ms(now), ms(now), id).StructScan(&row)
			if err != nil {
				return err
			}
			t := domain.Transition{
				InstanceID: row.ID, DefinitionID: row.DefinitionID, From: domain.StatusPending,
				To: domain.StatusCancelled, Region: row.Region, Detail: "cancelled before claim", At: now,
			}
			emitted = append(emitted, t)
			return s.appendEvent(ctx, tx, t)
		case domain.StatusClaimed, domain.StatusRunning:
			err = tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET cancel_requested = ?, updated_at = ?
WHERE instance_id = ? AND status IN ('CLAIMED','RUNNING')
RETURNING `+instanceColumns), true, ms(now), id).StructScan(&row)
			if err != nil {
				return err
			}
			return s.appendEvent(ctx, tx, domain.Transition{
				InstanceID: row.ID, From: cur.Status, To: cur.Status, Claimant: cur.ClaimedBy,
				Region: row.Region, Detail: "cancel requested", At: now,
			})
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, id, cur.Status)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, fmt.Errorf("%w: %s changed concurrently", domain.ErrInvalidTransition, id)
	}
	if err != nil {
		return domain.Instance{}, err
	}
	s.emit(emitted...)
	return row.toDomain(), nil
}

// Replay returns a dead-lettered or blocked instance to PENDING with a fresh attempt budget.
func (s *Store) Replay(ctx context.Context, id string) (domain.Instance, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()
	var (
		row instanceRow
		t   domain.Transition
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := s.getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusDeadLetter && cur.Status != domain.StatusBlockedFailed {
			return fmt.Errorf("%w: only DEAD_LETTER or BLOCKED_FAILED can be replayed, %s is %s",
				domain.ErrInvalidTransition, id, cur.Status)
		}
		err = tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances
SET status = 'PENDING', attempt_count = 0, next_eligible_at = ?, completed_at = NULL,
    cancel_requested = ?, last_error = '', updated_at = ?
WHERE instance_id = ? AND status = ?
RETURNING `+instanceColumns), ms(now), false, ms(now), id, string(cur.Status)).StructScan(&row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s changed concurrently", domain.ErrInvalidTransition, id)
		}
		if err != nil {
			return err
		}
		t = domain.Transition{
			InstanceID: row.ID, DefinitionID: row.DefinitionID, From: cur.Status,
			To: domain.StatusPending, Region: row.Region, Detail: "operator replay", At: now,
		}
		return s.appendEvent(ctx, tx, t)
	})
	if err != nil {
		return domain.Instance{}, err
	}
	s.emit(t)
	return row.toDomain(), nil
}

// RecordReroute notes in the audit trail that the router placed the instance on another
// region's queue. The origin region stays the instance's region for reporting.
func (s *Store) RecordReroute(ctx context.Context, id, region string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := s.Now()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row instanceRow
		err := tx.QueryRowxContext(ctx, s.q(`
UPDATE task_instances SET routed_region = ?, updated_at = ? WHERE instance_id = ?
RETURNING `+instanceColumns), region, ms(now), id).StructScan(&row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, domain.Transition{
			InstanceID: id, From: domain.Status(row.Status), To: domain.Status(row.Status),
			Claimant: row.ClaimedBy.String, Region: row.Region,
			Detail: fmt.Sprintf("rerouted from %s to %s", row.Region, region), At: now,
		})
	})
}

func (s *Store) staleOrMissing(ctx context.Context, id string) error {
	cur, err := s.getInstance(ctx, s.db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, held by %q", domain.ErrStaleClaim, id, cur.Status, cur.ClaimedBy)
}
