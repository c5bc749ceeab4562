package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/domain"
	"meridian/internal/queue"
	"meridian/internal/store"
)

type fixture struct {
	srv     *httptest.Server
	store   *store.Store
	backend *queue.MemoryBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewTestStore(t)
	b := queue.NewMemoryBackend(nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("meridian_up 1\n"))
	})
	srv := httptest.NewServer(NewServer(s, b, Options{Regions: []string{"eu", "us"}, Metrics: metrics}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: s, backend: b}
}

func (f *fixture) do(t *testing.T, method, path, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (f *fixture) instance(t *testing.T, defID string) domain.Instance {
	t.Helper()
	store.MustCreateDefinition(t, f.store, store.TestDefinition(defID))
	inst, _, err := f.store.CreateInstance(context.Background(), store.InstanceRequest{DefinitionID: defID})
	require.NoError(t, err)
	return inst
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "meridian_up")
}

func TestInspectInstances(t *testing.T) {
	f := newFixture(t)
	inst := f.instance(t, "nightly")

	resp, body := f.do(t, http.MethodGet, "/api/instances/"+inst.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Instance
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "nightly", got.DefinitionID)

	resp, body = f.do(t, http.MethodGet, "/api/instances?status=pending&region=eu", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.Instance
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, body = f.do(t, http.MethodGet, "/api/instances?region=us", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list)

	resp, _ = f.do(t, http.MethodGet, "/api/instances?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []domain.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, domain.StatusPending, events[0].To)

	resp, _ = f.do(t, http.MethodGet, "/api/instances/ins_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/instances/ins_missing/events", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/definitions/nightly", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCancelAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.instance(t, "a")

	resp, body := f.do(t, http.MethodPost, "/api/instances/"+pending.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Instance
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, domain.StatusCancelled, got.Status)

	resp, _ = f.do(t, http.MethodPost, "/api/instances/"+pending.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/instances/"+pending.ID+"/replay", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	running := f.instance(t, "b")
	claimed, err := f.store.ClaimDueInstances(ctx, "eu", "sched-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, running.ID, claimed[0].ID)

	resp, body = f.do(t, http.MethodPost, "/api/instances/"+running.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.CancelRequested)
	assert.Equal(t, domain.StatusClaimed, got.Status)

	_, err = f.store.ReportStatus(ctx, store.StatusReport{
		InstanceID: running.ID, Claimant: "sched-1", Status: domain.StatusDeadLetter, Error: "boom",
	})
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodPost, "/api/instances/"+running.ID+"/replay", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
}

func TestRegionHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, _ := f.do(t, http.MethodPut, "/api/regions/eu/health", `{"healthy":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ok, err := f.backend.Healthy(ctx, "eu")
	require.NoError(t, err)
	assert.False(t, ok)

	resp, body := f.do(t, http.MethodGet, "/api/regions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"region":"eu","healthy":false},{"region":"us","healthy":true}]`, string(body))

	resp, _ = f.do(t, http.MethodPut, "/api/regions/mars/health", `{"healthy":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/api/regions/eu/health", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
