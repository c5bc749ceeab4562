package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
)

// NewTestStore returns a store backed by a private in-memory SQLite database with all
// migrations applied.
func NewTestStore(t testing.TB, opts ...Option) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := Open(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return New(db, opts...)
}

// TestDefinition returns a valid one-time definition in region "eu" with normal priority.
func TestDefinition(id string) domain.Definition {
	return domain.Definition{
		ID:          id,
		Kind:        "noop",
		Payload:     []byte(`{}`),
		Region:      "eu",
		Priority:    domain.PriorityNormal,
		MaxAttempts: 3,
		CatchUp:     true,
	}
}

// MustCreateDefinition stores d and fails the test on error.
func MustCreateDefinition(t testing.TB, s *Store, d domain.Definition) domain.Definition {
	t.Helper()
	out, err := s.CreateDefinition(context.Background(), d)
	require.NoError(t, err)
	return out
}
