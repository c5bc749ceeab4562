package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
)

const sampleYAML = `
node_id: node-a
regions: [eu, us]
failover:
  eu: us
store:
  driver: sqlite
  path: /tmp/meridian.db
scheduler:
  interval: 2s
  batch_size: 25
worker:
  size: 8
  reserve_share: 0.25
  lease: 15s
definitions:
  - id: nightly-report
    kind: shell
    payload: {command: "true"}
    region: eu
    priority: critical
    recurrence: "0 2 * * *"
    catch_up: false
  - id: publish
    kind: http
    depends_on: [nightly-report]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeFile(t, "meridian.yaml", sampleYAML))
	m.getenv = func(string) string { return "" }
	s, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "node-a", s.NodeID)
	assert.Equal(t, []string{"eu", "us"}, s.Regions)
	assert.Equal(t, "us", s.Failover["eu"])
	assert.Equal(t, "/tmp/meridian.db", s.Store.DSN)
	assert.Equal(t, 2*time.Second, s.Scheduler.Interval)
	assert.Equal(t, 25, s.Scheduler.BatchSize)
	assert.Equal(t, 15*time.Second, s.Worker.Lease)
	assert.Equal(t, 5*time.Second, s.Worker.Heartbeat)
	assert.Equal(t, 100, s.Sweeper.BatchSize)
	assert.Equal(t, "sql", s.Queue.Backend)

	require.Len(t, s.Definitions, 2)
	nightly, publish := s.Definitions[0], s.Definitions[1]
	assert.Equal(t, domain.PriorityCritical, nightly.Priority)
	assert.False(t, nightly.CatchUp)
	assert.JSONEq(t, `{"command":"true"}`, string(nightly.Payload))
	assert.Equal(t, "eu", publish.Region, "region defaults to the first configured one")
	assert.Equal(t, domain.PriorityNormal, publish.Priority)
	assert.True(t, publish.CatchUp)
	assert.Equal(t, 3, publish.MaxAttempts)
	assert.Same(t, s, m.Get())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"node_id":"x","shedular":{}}`))
	require.Error(t, err)
	_, err = Decode("c.yml", []byte("node_id: x\nbogus: 1\n"))
	require.Error(t, err)
}

func TestResolveReportsEveryProblem(t *testing.T) {
	c := &Config{
		Regions:  []string{"eu", "eu"},
		Failover: map[string]string{"eu": "ap"},
		Store:    StoreConfig{Driver: "postgres"},
		Worker:   WorkerConfig{ReserveShare: 1, Lease: "10s", Heartbeat: "10s"},
		Cron:     CronConfig{Interval: "soon"},
		Definitions: []DefinitionConfig{
			{ID: "a", Kind: "shell", Recurrence: "@every 5m"},
			{ID: "b", Kind: "shell", Priority: "urgent"},
		},
	}
	_, err := c.Resolve()
	require.Error(t, err)
	for _, want := range []string{
		`duplicate region "eu"`,
		"names an unknown region",
		"store.dsn",
		"worker.reserve_share",
		"worker.heartbeat",
		"cron.interval",
		"definitions[0]",
		"definitions[1]",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MERIDIAN_NODE_ID":   "from-env",
		"MERIDIAN_STORE_DSN": "postgres://x",
		"MERIDIAN_REGIONS":   "us, ap ,",
	}
	c := &Config{NodeID: "from-file", Regions: []string{"eu"}}
	c.ApplyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "from-env", c.NodeID)
	assert.Equal(t, "postgres://x", c.Store.DSN)
	assert.Equal(t, []string{"us", "ap"}, c.Regions)
}

func TestLoadDotEnvMissingFileIsFine(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))

	p := writeFile(t, ".env", "MERIDIAN_TEST_DOTENV=1\n")
	t.Cleanup(func() { os.Unsetenv("MERIDIAN_TEST_DOTENV") })
	require.NoError(t, LoadDotEnv(p))
	assert.Equal(t, "1", os.Getenv("MERIDIAN_TEST_DOTENV"))
}

func TestDurationFields(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", " 3s ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	_, err = ParseDurationField("x.y", "-1s")
	assert.ErrorContains(t, err, "x.y")
}

func TestReloadPublishesChanges(t *testing.T) {
	path := writeFile(t, "meridian.json", `{"scheduler":{"batch_size":10}}`)
	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	ctx := context.Background()

	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "same content is not republished")

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"batch_size":20}}`), 0o600))
	m.SetValidator(func(_ context.Context, s *Settings) error {
		if s.Scheduler.BatchSize > 100 {
			return assert.AnError
		}
		return nil
	})
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 20, (<-ch).Scheduler.BatchSize)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"batch_size":500}}`), 0o600))
	_, err = m.Reload(ctx)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 20, m.Get().Scheduler.BatchSize)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "meridian.yaml", "sweeper: {batch_size: 5}\n")
	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("sweeper: {batch_size: 7}\n"), 0o600)
		select {
		case s := <-ch:
			return s.Sweeper.BatchSize == 7
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
