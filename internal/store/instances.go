package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"meridian/internal/domain"
)

type instanceRow struct {
	ID              string         `db:"instance_id"`
	DefinitionID    string         `db:"definition_id"`
	ScheduledAt     int64          `db:"scheduled_at"`
	Status          string         `db:"status"`
	AttemptCount    int            `db:"attempt_count"`
	MaxAttempts     int            `db:"max_attempts"`
	ClaimedBy       sql.NullString `db:"claimed_by"`
	LeaseExpiresAt  sql.NullInt64  `db:"lease_expires_at"`
	NextEligibleAt  int64          `db:"next_eligible_at"`
	CancelRequested bool           `db:"cancel_requested"`
	Region          string         `db:"region"`
	RoutedRegion    sql.NullString `db:"routed_region"`
	Priority        int            `db:"priority"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
	CompletedAt     sql.NullInt64  `db:"completed_at"`
	LastError       string         `db:"last_error"`
}

const instanceColumns = `instance_id, definition_id, scheduled_at, status, attempt_count, max_attempts, claimed_by,
lease_expires_at, next_eligible_at, cancel_requested, region, routed_region, priority, created_at, updated_at,
completed_at, last_error`

func (r instanceRow) toDomain() domain.Instance {
	return domain.Instance{
		ID:              r.ID,
		DefinitionID:    r.DefinitionID,
		ScheduledAt:     fromMs(r.ScheduledAt),
		Status:          domain.Status(r.Status),
		AttemptCount:    r.AttemptCount,
		MaxAttempts:     r.MaxAttempts,
		ClaimedBy:       r.ClaimedBy.String,
		LeaseExpiresAt:  nullMs(r.LeaseExpiresAt),
		NextEligibleAt:  fromMs(r.NextEligibleAt),
		CancelRequested: r.CancelRequested,
		Region:          r.Region,
		RoutedRegion:    r.RoutedRegion.String,
		Priority:        domain.Priority(r.Priority),
		CreatedAt:       fromMs(r.CreatedAt),
		UpdatedAt:       fromMs(r.UpdatedAt),
		CompletedAt:     nullMs(r.CompletedAt),
		LastError:       r.LastError,
	}
}

// InstanceRequest asks for the instance of a definition at a scheduled time.
type InstanceRequest struct {
	DefinitionID string
	// ScheduledAt defaults to now.
	ScheduledAt time.Time
	// DependsOn lists extra upstream instance ids beyond those implied by the definition.
	DependsOn []string
}

// CreateInstance materializes the instance of a definition at a scheduled time. It is
// idempotent on (definition_id, scheduled_at): a repeated call returns the existing instance
// with created=false. Instances of the definition's dependency definitions at the same
// scheduled time are materialized as well and linked as upstream edges.
func (s *Store) CreateInstance(ctx context.Context, req InstanceRequest) (domain.Instance, bool, error) {
	at := req.ScheduledAt
	if at.IsZero() {
		at = s.Now()
	}
	at = at.UTC().Truncate(time.Millisecond)

	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		out     domain.Instance
		created bool
		emitted []domain.Transition
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, created, err = s.createInstance(ctx, tx, req.DefinitionID, at, req.DependsOn, &emitted, map[string]bool{})
		return err
	})
	if err != nil {
		return domain.Instance{}, false, err
	}
	s.emit(emitted...)
	return out, created, nil
}

func (s *Store) createInstance(ctx context.Context, tx *sqlx.Tx, defID string, at time.Time, extra []string, emitted *[]domain.Transition, visiting map[string]bool) (domain.Instance, bool, error) {
	if visiting[defID] {
		return domain.Instance{}, false, fmt.Errorf("%w: definition %s", domain.ErrDependencyCycle, defID)
	}
	visiting[defID] = true
	defer delete(visiting, defID)

	if existing, err := s.instanceByKey(ctx, tx, defID, at); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Instance{}, false, err
	}

	def, err := s.getDefinition(ctx, tx, defID)
	if err != nil {
		return domain.Instance{}, false, err
	}
	if def.RetiredAt != nil {
		return domain.Instance{}, false, fmt.Errorf("%w: definition %s is retired", domain.ErrInvalidDefinition, defID)
	}

	upstream := make([]string, 0, len(def.DependsOn)+len(extra))
	for _, dep := range def.DependsOn {
		up, _, err := s.createInstance(ctx, tx, dep, at, nil, emitted, visiting)
		if err != nil {
			return domain.Instance{}, false, fmt.Errorf("upstream %s: %w", dep, err)
		}
		upstream = append(upstream, up.ID)
	}
	for _, id := range extra {
		if _, err := s.getInstance(ctx, tx, id); err != nil {
			return domain.Instance{}, false, fmt.Errorf("upstream instance %s: %w", id, err)
		}
		upstream = append(upstream, id)
	}

	now := s.Now()
	id := "ins_" + uuid.NewString()
	res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO task_instances (instance_id, definition_id, scheduled_at, status, attempt_count, max_attempts,
  next_eligible_at, cancel_requested, region, priority, created_at, updated_at, last_error)
VALUES (?,?,?,?,0,?,?,?,?,?,?,?,'')
ON CONFLICT (definition_id, scheduled_at) DO NOTHING`),
		id, def.ID, ms(at), string(domain.StatusPending), def.MaxAttempts, ms(at), false,
		def.Region, int(def.Priority), ms(now), ms(now))
	if err != nil {
		return domain.Instance{}, false, fmt.Errorf("insert instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another replica won the insert.
		existing, err := s.instanceByKey(ctx, tx, defID, at)
		return existing, false, err
	}
	for _, up := range upstream {
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO dependency_edges (instance_id, depends_on_instance_id) VALUES (?,?) ON CONFLICT DO NOTHING`), id, up); err != nil {
			return domain.Instance{}, false, fmt.Errorf("insert edge: %w", err)
		}
	}
	t := domain.Transition{
		InstanceID: id, DefinitionID: def.ID, To: domain.StatusPending,
		Region: def.Region, Detail: "created", At: now,
	}
	if err := s.appendEvent(ctx, tx, t); err != nil {
		return domain.Instance{}, false, err
	}
	*emitted = append(*emitted, t)

	inst, err := s.getInstance(ctx, tx, id)
	return inst, true, err
}

func (s *Store) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.getInstance(ctx, s.db, id)
}

func (s *Store) getInstance(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Instance, error) {
	var row instanceRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+instanceColumns+` FROM task_instances WHERE instance_id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Instance{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) instanceByKey(ctx context.Context, q sqlx.QueryerContext, defID string, at time.Time) (domain.Instance, error) {
	var row instanceRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`
SELECT `+instanceColumns+` FROM task_instances WHERE definition_id=? AND scheduled_at=?`), defID, ms(at))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Instance{}, err
	}
	return row.toDomain(), nil
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	Status       domain.Status
	Region       string
	DefinitionID string
	Limit        int
}

func (s *Store) ListInstances(ctx context.Context, f InstanceFilter) ([]domain.Instance, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	query := `SELECT ` + instanceColumns + ` FROM task_instances WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.Region != "" {
		query += ` AND region=?`
		args = append(args, f.Region)
	}
	if f.DefinitionID != "" {
		query += ` AND definition_id=?`
		args = append(args, f.DefinitionID)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query += ` ORDER BY scheduled_at DESC, instance_id LIMIT ?`
	args = append(args, f.Limit)

	var rows []instanceRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]domain.Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
