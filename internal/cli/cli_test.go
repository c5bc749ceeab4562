package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/app"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/store"
)

func setup(t *testing.T) (string, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	body := "regions: [eu, us]\nlog: {level: error, format: json}\nstore: {path: " + filepath.Join(dir, "m.db") + "}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	mgr := config.NewManager(path)
	s, err := mgr.Load()
	require.NoError(t, err)
	db, err := app.OpenDB(context.Background(), s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return path, store.New(db)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOperatorCommands(t *testing.T) {
	cfg, st := setup(t)
	ctx := context.Background()
	store.MustCreateDefinition(t, st, store.TestDefinition("report"))
	inst, _, err := st.CreateInstance(ctx, store.InstanceRequest{DefinitionID: "report"})
	require.NoError(t, err)

	out, err := execute(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied")

	out, err = execute(t, "list", "--config", cfg, "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, inst.ID)

	out, err = execute(t, "inspect", inst.ID, "--config", cfg, "--events")
	require.NoError(t, err)
	var inspected struct {
		Instance domain.Instance `json:"instance"`
		Events   []domain.Event  `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &inspected))
	assert.Equal(t, inst.ID, inspected.Instance.ID)
	assert.NotEmpty(t, inspected.Events)

	_, err = execute(t, "cancel", inst.ID, "--config", cfg)
	require.NoError(t, err)
	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	_, err = execute(t, "replay", inst.ID, "--config", cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = execute(t, "inspect", "ins_nope", "--config", cfg)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegionCommands(t *testing.T) {
	cfg, _ := setup(t)

	_, err := execute(t, "region", "set-health", "us", "down", "--config", cfg)
	require.NoError(t, err)
	out, err := execute(t, "region", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "eu up\nus down\n", out)

	_, err = execute(t, "region", "set-health", "ap", "down", "--config", cfg)
	assert.ErrorContains(t, err, "unknown region")
	_, err = execute(t, "region", "set-health", "eu", "sideways", "--config", cfg)
	assert.Error(t, err)
}

func TestRunRejectsUnknownRole(t *testing.T) {
	cfg, _ := setup(t)
	_, err := execute(t, "run", "--config", cfg, "--roles", "worker,janitor")
	assert.ErrorContains(t, err, "janitor")
}
