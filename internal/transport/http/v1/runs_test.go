package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/logging"
	"github.com/xiaot623/gogo/escrowrunner/internal/service"
	"github.com/xiaot623/gogo/escrowrunner/internal/signer"
	"github.com/xiaot623/gogo/escrowrunner/internal/usage"
	"github.com/xiaot623/gogo/escrowrunner/policy"
	"github.com/xiaot623/gogo/escrowrunner/tests/helpers"
)

const testNetwork = "Test Network ; escrow"

func newTestHandler(t *testing.T) (*Handler, *service.Service, *ledger.Simulator) {
	db := helpers.NewTestSQLiteStore(t)
	kp, err := signer.NewKeypair("runner-secret")
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	sim := ledger.NewPermissiveSimulator(testNetwork)
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	svc := service.New(service.Deps{
		Store:      db,
		Gateway:    sim,
		Transactor: signer.NewTransactor(kp, sim, testNetwork),
		Meter:      usage.NewSimulator(),
		Policy:     policyEngine,
		Logger:     logging.Discard(),
	}, service.Options{LedgerCallTimeout: time.Second, WorkloadTimeout: time.Second})
	return NewHandler(svc), svc, sim
}

func serve(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueRunAccepted(t *testing.T) {
	e := echo.New()
	h, _, _ := newTestHandler(t)

	body := `{"user":"U1","agentId":7,"budgets":{"llmIn":100.7,"llmOut":100,"httpCalls":10,"runtimeMs":-3}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.EnqueueRun(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Equal(t, domain.Usage{LLMIn: 100, LLMOut: 100, HTTPCalls: 10}, run.Budgets)
	assert.NotEmpty(t, run.ID)
}

func TestEnqueueRunValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := serve(h, http.MethodPost, "/v1/runs", `{"agentId":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp["code"])
	assert.Contains(t, resp["error"], "user is required")

	rec = serve(h, http.MethodPost, "/v1/runs", `{"user":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	h, svc, sim := newTestHandler(t)
	sim.SetFailure(ledger.SimOpSubmitOpen, ledger.ErrInsufficientBalance)

	rec := serve(h, http.MethodPost, "/v1/runs", `{"user":"U1","agentId":7,"budgets":{"llmIn":10,"llmOut":10,"httpCalls":1,"runtimeMs":10}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	// Retrying a pending run conflicts.
	rec = serve(h, http.MethodPost, "/v1/runs/"+run.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.True(t, svc.Scheduler().Tick(context.Background()))

	rec = serve(h, http.MethodGet, "/v1/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "insufficient balance")

	rec = serve(h, http.MethodPost, "/v1/runs/"+run.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Equal(t, 1, run.Retries)

	rec = serve(h, http.MethodGet, "/v1/runs/"+run.ID+"/events?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, domain.EventTypeRunEnqueued, events.Events[0].Type)

	rec = serve(h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.QueueDepth)
	assert.NotNil(t, status.LastTickAt)

	rec = serve(h, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []domain.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Runs, 1)
}

func TestUnknownRunIsNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/runs/run_missing"},
		{http.MethodPost, "/v1/runs/run_missing/retry"},
		{http.MethodGet, "/v1/runs/run_missing/events"},
	} {
		rec := serve(h, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := serve(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
