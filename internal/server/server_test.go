package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/batch"
	"github.com/r3e-audit/forensic-engine/internal/cases"
	"github.com/r3e-audit/forensic-engine/internal/config"
	"github.com/r3e-audit/forensic-engine/internal/currency"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/graph"
	"github.com/r3e-audit/forensic-engine/internal/ingestion"
	"github.com/r3e-audit/forensic-engine/internal/matcher"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/monitor"
	"github.com/r3e-audit/forensic-engine/internal/push"
	"github.com/r3e-audit/forensic-engine/internal/registry"
	"github.com/r3e-audit/forensic-engine/internal/resolver"
	"github.com/r3e-audit/forensic-engine/internal/semantic"
	"github.com/r3e-audit/forensic-engine/internal/store"
	"github.com/r3e-audit/forensic-engine/internal/trigger"
)

type testEnv struct {
	srv   *httptest.Server
	store store.Store
	orch  *batch.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemory()
	bus := eventbus.New(nil)
	res := resolver.New(s)
	trig := trigger.New(s)
	sem := semantic.NewFallback()
	cur := currency.NewFallback()

	pipe := ingestion.New(s, res, trig, sem, bus, config.IngestionConfig{BalanceGapThreshold: 1000})
	match := matcher.New(s, cur, sem, bus, matcher.DefaultConfig())
	analytics := graph.New(s, bus)
	orch := batch.New(s, bus, nil, nil,
		batch.WithProber(batch.StaticProber{Snapshot: models.HealthStatus{CPUPercent: 30, MemAvailableGB: 8}}))
	reg := registry.New(s, nil, nil)
	caseSvc := cases.New(s, bus, reg, nil)
	mon := monitor.New(s, bus, nil, config.MonitorConfig{IntervalSeconds: 300, DebounceSeconds: 300})
	hub := push.NewHub(nil)

	srv := New(nil, s, bus, pipe, match, trig, analytics, orch, mon, caseSvc, hub)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: s, orch: orch}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateProjectAndIngestFlow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/projects", map[string]any{
		"name": "Bridge Audit", "code": "BR-01", "contract_value": 5_000_000_000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	project := decode[models.Project](t, resp)
	require.NotEmpty(t, project.ID)

	rows := []map[string]string{
		{"date": "2024-01-15", "description": "Pembelian semen", "amount": "Rp 5.250.000", "rab": "7550000", "receiver": "PT Semen Indonesia"},
		{"date": "2024-01-16", "description": "Upah harian", "amount": "1.200.000", "receiver": "Mandor Budi"},
	}
	resp = env.post(t, fmt.Sprintf("/api/v1/ingest/%s/ledger", project.ID), map[string]any{"rows": rows})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[map[string]string](t, resp)
	require.NotEmpty(t, job["job_id"])

	env.orch.Wait()

	statusResp, err := http.Get(env.srv.URL + "/api/v1/batch-jobs/" + job["job_id"])
	require.NoError(t, err)
	status := decode[map[string]any](t, statusResp)
	require.Equal(t, string(models.JobCompleted), status["job"].(map[string]any)["status"])
	require.InDelta(t, 100.0, status["progress_percent"].(float64), 0.001)
}

func TestIngestRejectsUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/projects", map[string]any{"name": "x", "code": "C1"})
	project := decode[models.Project](t, resp)

	resp = env.post(t, fmt.Sprintf("/api/v1/ingest/%s/ledger-ish", project.ID), map[string]any{"rows": []map[string]string{{"date": "2024-01-01"}}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestIngestUnknownProjectIs404(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/ingest/nope/ledger", map[string]any{"rows": []map[string]string{{"date": "2024-01-01"}}})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDuplicateProjectCodeIs409(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/projects", map[string]any{"name": "a", "code": "DUP"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/v1/projects", map[string]any{"name": "b", "code": "DUP"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestExhibitVerdictValidation(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/projects", map[string]any{"name": "x", "code": "C2"})
	project := decode[models.Project](t, resp)

	resp = env.post(t, fmt.Sprintf("/api/v1/cases/%s/", project.ID), map[string]any{"title": "case"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decode[models.Case](t, resp)

	resp = env.post(t, fmt.Sprintf("/api/v1/cases/%s/%s/exhibits", project.ID, c.ID), map[string]any{"title": "slip"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ex := decode[models.CaseExhibit](t, resp)

	req, err := http.NewRequest(http.MethodPatch,
		fmt.Sprintf("%s/api/v1/cases/%s/%s/exhibits/%s", env.srv.URL, project.ID, c.ID, ex.ID),
		bytes.NewReader([]byte(`{"verdict":"MAYBE"}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	resp2.Body.Close()
}

func TestBatchJobSubmitAndCancelRoutes(t *testing.T) {
	env := newTestEnv(t)

	items := make([]int, 100)
	resp := env.post(t, "/api/v1/batch-jobs/submit", map[string]any{
		"project": "p1", "data_type": "entity", "items": items,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[map[string]string](t, resp)

	env.orch.Wait()
	statusResp, err := http.Get(env.srv.URL + "/api/v1/batch-jobs/" + job["job_id"])
	require.NoError(t, err)
	status := decode[map[string]any](t, statusResp)
	require.Equal(t, string(models.JobCompleted), status["job"].(map[string]any)["status"])

	cancelResp := env.post(t, "/api/v1/batch-jobs/does-not-exist/cancel", map[string]any{})
	require.Equal(t, http.StatusNotFound, cancelResp.StatusCode)
	cancelResp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hs := decode[models.HealthStatus](t, resp)
	require.Equal(t, "healthy", hs.Status)
}

func TestRecentEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/v1/projects", map[string]any{"name": "x", "code": "C3"})
	project := decode[models.Project](t, resp)

	rows := []map[string]string{{"date": "2024-01-15", "description": "x", "amount": "1000", "receiver": "Y"}}
	ingestResp := env.post(t, fmt.Sprintf("/api/v1/ingest/%s/ledger", project.ID), map[string]any{"rows": rows})
	ingestResp.Body.Close()
	env.orch.Wait()

	time.Sleep(10 * time.Millisecond)
	eventsResp, err := http.Get(env.srv.URL + "/api/v1/events?type=data.ingested")
	require.NoError(t, err)
	events := decode[[]map[string]any](t, eventsResp)
	require.NotEmpty(t, events)
}
