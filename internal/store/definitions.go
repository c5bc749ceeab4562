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

type definitionRow struct {
	ID          string        `db:"definition_id"`
	Kind        string        `db:"kind"`
	Payload     []byte        `db:"payload"`
	Region      string        `db:"region"`
	Priority    int           `db:"priority"`
	MaxAttempts int           `db:"max_attempts"`
	Recurrence  string        `db:"recurrence"`
	CatchUp     bool          `db:"catch_up"`
	CreatedAt   int64         `db:"created_at"`
	RetiredAt   sql.NullInt64 `db:"retired_at"`
}

const definitionColumns = `definition_id, kind, payload, region, priority, max_attempts, recurrence, catch_up, created_at, retired_at`

func (r definitionRow) toDomain(deps []string) domain.Definition {
	return domain.Definition{
		ID:          r.ID,
		Kind:        r.Kind,
		Payload:     r.Payload,
		Region:      r.Region,
		Priority:    domain.Priority(r.Priority),
		MaxAttempts: r.MaxAttempts,
		Recurrence:  r.Recurrence,
		CatchUp:     r.CatchUp,
		DependsOn:   deps,
		CreatedAt:   fromMs(r.CreatedAt),
		RetiredAt:   nullMs(r.RetiredAt),
	}
}

// CreateDefinition stores an immutable definition. Creating the same definition twice returns
// the stored one; reusing an id with different content fails with ErrDefinitionConflict.
func (s *Store) CreateDefinition(ctx context.Context, d domain.Definition) (domain.Definition, error) {
	if err := d.Validate(); err != nil {
		return domain.Definition{}, err
	}
	if d.Recurring() {
		if _, err := domain.ParseRecurrence(d.Recurrence); err != nil {
			return domain.Definition{}, err
		}
	}
	if len(d.Payload) == 0 {
		d.Payload = []byte("null")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var out domain.Definition
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := s.getDefinition(ctx, tx, d.ID)
		switch {
		case err == nil:
			if !existing.SameContent(d) {
				return fmt.Errorf("%w: %s", domain.ErrDefinitionConflict, d.ID)
			}
			out = existing
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		g, err := s.definitionGraph(ctx, tx)
		if err != nil {
			return err
		}
		for _, dep := range d.DependsOn {
			if _, err := s.getDefinition(ctx, tx, dep); err != nil {
				return fmt.Errorf("dependency %s: %w", dep, err)
			}
			if g.WouldCycle(d.ID, dep) {
				return fmt.Errorf("%w: %s -> %s", domain.ErrDependencyCycle, d.ID, dep)
			}
			g.Add(d.ID, dep)
		}

		now := s.Now()
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO task_definitions (definition_id, kind, payload, region, priority, max_attempts, recurrence, catch_up, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`),
			d.ID, d.Kind, []byte(d.Payload), d.Region, int(d.Priority), d.MaxAttempts, d.Recurrence, d.CatchUp, ms(now)); err != nil {
			return fmt.Errorf("insert definition: %w", err)
		}
		for _, dep := range d.DependsOn {
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO definition_dependencies (definition_id, depends_on_definition_id) VALUES (?,?)
ON CONFLICT DO NOTHING`), d.ID, dep); err != nil {
				return fmt.Errorf("insert definition dependency: %w", err)
			}
		}
		out, err = s.getDefinition(ctx, tx, d.ID)
		return err
	})
	if err != nil {
		return domain.Definition{}, err
	}
	return out, nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (domain.Definition, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.getDefinition(ctx, s.db, id)
}

func (s *Store) getDefinition(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Definition, error) {
	var row definitionRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+definitionColumns+` FROM task_definitions WHERE definition_id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Definition{}, fmt.Errorf("definition %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Definition{}, err
	}
	var deps []string
	if err := sqlx.SelectContext(ctx, q, &deps, s.q(`
SELECT depends_on_definition_id FROM definition_dependencies WHERE definition_id=? ORDER BY depends_on_definition_id`), id); err != nil {
		return domain.Definition{}, err
	}
	return row.toDomain(deps), nil
}

// ListRecurringDefinitions returns every active definition carrying a recurrence.
func (s *Store) ListRecurringDefinitions(ctx context.Context) ([]domain.Definition, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var rows []definitionRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+definitionColumns+` FROM task_definitions
WHERE recurrence <> '' AND retired_at IS NULL ORDER BY definition_id`); err != nil {
		return nil, err
	}
	out := make([]domain.Definition, 0, len(rows))
	for _, r := range rows {
		var deps []string
		if err := s.db.SelectContext(ctx, &deps, s.q(`
SELECT depends_on_definition_id FROM definition_dependencies WHERE definition_id=? ORDER BY depends_on_definition_id`), r.ID); err != nil {
			return nil, err
		}
		out = append(out, r.toDomain(deps))
	}
	return out, nil
}

// RetireDefinition stops a definition from producing new instances. Existing instances are kept.
func (s *Store) RetireDefinition(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE task_definitions SET retired_at=? WHERE definition_id=? AND retired_at IS NULL`), ms(s.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getDefinition(ctx, s.db, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) definitionGraph(ctx context.Context, q sqlx.QueryerContext) (resolver.Graph, error) {
	var edges []struct {
		From string `db:"definition_id"`
		To   string `db:"depends_on_definition_id"`
	}
	if err := sqlx.SelectContext(ctx, q, &edges, `SELECT definition_id, depends_on_definition_id FROM definition_dependencies`); err != nil {
		return nil, err
	}
	g := resolver.Graph{}
	for _, e := range edges {
		g.Add(e.From, e.To)
	}
	return g, nil
}
