package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/loykin/portkill/internal/errors"
	"github.com/loykin/portkill/internal/guard"
	"github.com/loykin/portkill/internal/ledger"
	"github.com/loykin/portkill/internal/metrics"
	"github.com/loykin/portkill/internal/orchestrator"
)

type fakeServices struct {
	mu      sync.Mutex
	calls   []string
	failAll error
}

func (f *fakeServices) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeServices) Status() []orchestrator.ServiceStatus {
	return []orchestrator.ServiceStatus{
		{Name: "api", Running: true, PID: 42, Port: 8080, Command: "go run ."},
		{Name: "db", Command: "postgres"},
	}
}

func (f *fakeServices) op(verb, name string) error {
	if name != "api" && name != "db" {
		return pkerrors.NewNotFoundError("service "+name+" not found", nil)
	}
	f.record(verb + " " + name)
	return nil
}

func (f *fakeServices) Start(_ context.Context, name string) error   { return f.op("start", name) }
func (f *fakeServices) Stop(_ context.Context, name string) error    { return f.op("stop", name) }
func (f *fakeServices) Restart(_ context.Context, name string) error { return f.op("restart", name) }

func (f *fakeServices) StartAll(context.Context) (*orchestrator.StartReport, error) {
	f.record("start-all")
	if f.failAll != nil {
		return &orchestrator.StartReport{Started: []string{"db"}, Failed: "api"}, f.failAll
	}
	return &orchestrator.StartReport{Started: []string{"db", "api"}}, nil
}

func (f *fakeServices) StopAll(context.Context) error {
	f.record("stop-all")
	return nil
}

type fakeRules struct {
	rules map[guard.Target]guard.Policy
}

func (f *fakeRules) Rules() map[guard.Target]guard.Policy    { return f.rules }
func (f *fakeRules) AddRule(t guard.Target, p guard.Policy) { f.rules[t] = p }
func (f *fakeRules) RemoveRule(t guard.Target)              { delete(f.rules, t) }

type fakeLedger struct {
	records map[int]ledger.Record
}

func (f *fakeLedger) All() []ledger.Record {
	var out []ledger.Record
	for _, p := range []int{3000, 5000} {
		if r, ok := f.records[p]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeLedger) Clear(port int) error {
	delete(f.records, port)
	return nil
}

func (f *fakeLedger) RestartPort(_ context.Context, port int) (int, error) {
	if _, ok := f.records[port]; !ok {
		return 0, pkerrors.NewNotFoundError("no restart information", nil)
	}
	return 4242, nil
}

type fixture struct {
	h      http.Handler
	svc    *fakeServices
	rules  *fakeRules
	ledger *fakeLedger
}

func setup(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := fixture{
		svc:   &fakeServices{},
		rules: &fakeRules{rules: map[guard.Target]guard.Policy{guard.PortTarget(3000): guard.AllowOnlyPolicy("node")}},
		ledger: &fakeLedger{records: map[int]ledger.Record{
			3000: {Port: 3000, Command: []string{"npm", "run", "dev"}, WorkingDirectory: "/app"},
		}},
	}
	f.h = NewRouter(Deps{
		Services:  f.svc,
		Rules:     f.rules,
		Ledger:    f.ledger,
		Restarter: f.ledger,
	}, "").Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListServices(t *testing.T) {
	f := setup(t)
	rec := doReq(t, f.h, http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []orchestrator.ServiceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "api", rows[0].Name)
	assert.Equal(t, 42, rows[0].PID)
}

func TestServiceActions(t *testing.T) {
	f := setup(t)
	for _, action := range []string{"start", "stop", "restart"} {
		rec := doReq(t, f.h, http.MethodPost, "/api/services/db/"+action, nil)
		assert.Equal(t, http.StatusOK, rec.Code, action)
	}
	assert.Equal(t, []string{"start db", "stop db", "restart db"}, f.svc.calls)

	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodPost, "/api/services/cache/start", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, f.h, http.MethodPost, "/api/services/db/explode", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPost, "/api/services/a..b/start", nil).Code)
}

func TestStartAllAndStopAll(t *testing.T) {
	f := setup(t)
	rec := doReq(t, f.h, http.MethodPost, "/api/services/start-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"started":["db","api"]`)

	rec = doReq(t, f.h, http.MethodPost, "/api/services/stop-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start-all", "stop-all"}, f.svc.calls)
}

func TestStartAllPartialFailure(t *testing.T) {
	f := setup(t)
	f.svc.failAll = pkerrors.NewProcessError("failed to start service \"api\"", nil)
	rec := doReq(t, f.h, http.MethodPost, "/api/services/start-all", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"failed":"api"`)
	assert.Contains(t, body, `"error":`)
}

func TestGuardRules(t *testing.T) {
	f := setup(t)
	rec := doReq(t, f.h, http.MethodPut, "/api/guard/rules/4444", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, guard.KillAllPolicy(), f.rules.rules[guard.PortTarget(4444)])

	rec = doReq(t, f.h, http.MethodPut, "/api/guard/rules/5000", map[string]string{"allow": "flask"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, guard.AllowOnlyPolicy("flask"), f.rules.rules[guard.PortTarget(5000)])

	rec = doReq(t, f.h, http.MethodGet, "/api/guard/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []ruleResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 3)
	assert.Equal(t, 3000, rules[0].Port)
	assert.Equal(t, "node", rules[0].Allow)
	assert.Equal(t, "kill-all", rules[1].Policy)

	rec = doReq(t, f.h, http.MethodDelete, "/api/guard/rules/3000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, f.rules.rules, guard.PortTarget(3000))

	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodPut, "/api/guard/rules/99999", nil).Code)
}

func TestLedgerRoutes(t *testing.T) {
	f := setup(t)
	rec := doReq(t, f.h, http.MethodGet, "/api/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"working_directory":"/app"`)

	rec = doReq(t, f.h, http.MethodPost, "/api/ledger/3000/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pid":4242`)

	rec = doReq(t, f.h, http.MethodDelete, "/api/ledger/3000", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/api/ledger/3000/restart", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(Deps{}, "/pk").Handler()
	for _, path := range []string{"/pk/api/services", "/pk/api/guard/rules", "/pk/api/ledger"} {
		assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, path, nil).Code, path)
	}
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/pk/metrics", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	metrics.IncGuardPoll()
	h := NewRouter(Deps{Metrics: true}, "").Handler()
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "portkill_guard_polls_total"))
}
