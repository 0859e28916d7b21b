package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/internal/execution"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/internal/network"
	"github.com/rendis/chutney/internal/store"
	"github.com/rendis/chutney/pkg/schema"
)

type fakeExecutions struct {
	mu       sync.Mutex
	started  []*schema.Scenario
	commands []string
	reports  map[int64]*schema.ExecutionReport
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{reports: map[int64]*schema.ExecutionReport{
		7: {ExecutionID: 7, Title: "seven", Status: schema.StatusRunning},
	}}
}

func (f *fakeExecutions) Start(_ context.Context, s *schema.Scenario) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Title == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "title is required")
	}
	f.started = append(f.started, s)
	return 42, nil
}

func (f *fakeExecutions) Status(_ context.Context, id int64) (*schema.ExecutionReport, error) {
	if r, ok := f.reports[id]; ok {
		return r, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %d not found", id)
}

func (f *fakeExecutions) command(name string) func(context.Context, int64) error {
	return func(_ context.Context, id int64) error {
		if _, ok := f.reports[id]; !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "execution %d not found", id)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.commands = append(f.commands, name)
		return nil
	}
}

func (f *fakeExecutions) Pause(ctx context.Context, id int64) error {
	return f.command("pause")(ctx, id)
}
func (f *fakeExecutions) Resume(ctx context.Context, id int64) error {
	return f.command("resume")(ctx, id)
}
func (f *fakeExecutions) Stop(ctx context.Context, id int64) error { return f.command("stop")(ctx, id) }

func (f *fakeExecutions) List() []*store.ExecutionSummary {
	return []*store.ExecutionSummary{{ID: 7, Title: "seven", Status: schema.StatusRunning}}
}

func (f *fakeExecutions) PoolMetrics() execution.PoolMetrics {
	return execution.PoolMetrics{Size: 2, Active: 1}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *schema.Error {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

func TestHealthMetricsVersion(t *testing.T) {
	h := NewRouter(Deps{Agent: schema.NamedHostAndPort{Name: "a"}, Logger: logging.Discard(), Version: "1.2.3"})

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chutney_executions_total")

	rec = do(t, h, http.MethodGet, "/version", "")
	assert.JSONEq(t, `{"version":"1.2.3","agent":"a"}`, rec.Body.String())
}

func TestUnmountedRoutes(t *testing.T) {
	h := NewRouter(Deps{Logger: logging.Discard()})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/delegation/execute", "{}").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/executions", "").Code)
}

func TestExecutionRoutes(t *testing.T) {
	execs := newFakeExecutions()
	h := NewRouter(Deps{Executions: execs, Logger: logging.Discard()})

	rec := do(t, h, http.MethodPost, "/api/v1/executions", "title: from yaml\nsteps:\n  - name: a\n    type: success\n")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"execution_id":42}`, rec.Body.String())
	require.Len(t, execs.started, 1)
	assert.Equal(t, "from yaml", execs.started[0].Title)

	rec = do(t, h, http.MethodPost, "/api/v1/executions", `{"steps":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, decodeError(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/executions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/executions/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report schema.ExecutionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "seven", report.Title)

	rec = do(t, h, http.MethodGet, "/api/v1/executions/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, "/api/v1/executions/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, cmd := range []string{"pause", "resume", "stop"} {
		rec = do(t, h, http.MethodPost, "/api/v1/executions/7/"+cmd, "")
		assert.Equal(t, http.StatusAccepted, rec.Code, cmd)
	}
	assert.Equal(t, []string{"pause", "resume", "stop"}, execs.commands)

	rec = do(t, h, http.MethodPost, "/api/v1/executions/9/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"seven"`)
	assert.Contains(t, rec.Body.String(), `"size":2`)
}

func TestDelegationRoundTrip(t *testing.T) {
	srv := newLateServer(t)
	srv.set(NewRouter(Deps{Delegation: newDelegationService(t, "b"), Logger: logging.Discard()}))

	client := NewHTTPClient(time.Second)
	target := &schema.Target{Name: "db"}
	outcome, err := client.Delegate(context.Background(), srv.agent(t, "b"), &schema.DelegationRequest{
		ExecutionID: 1,
		Step: schema.StepCall{
			ExecutionID: 1,
			StepID:      "s1",
			Name:        "register cleanup",
			Type:        "final",
			Target:      target,
			Inputs:      map[string]any{"type": "debug", "identifier": "cleanup-db"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, outcome.Status)
	assert.Equal(t, "b", outcome.Agent)
	require.Len(t, outcome.Finally, 1)
	assert.Equal(t, "cleanup-db", outcome.Finally[0].Identifier)
	assert.Equal(t, "db", outcome.Finally[0].Target.Name)
}

func TestDelegationUnknownAction(t *testing.T) {
	srv := newLateServer(t)
	srv.set(NewRouter(Deps{Delegation: newDelegationService(t, "b"), Logger: logging.Discard()}))

	outcome, err := NewHTTPClient(time.Second).Delegate(context.Background(), srv.agent(t, "b"), &schema.DelegationRequest{
		Step: schema.StepCall{StepID: "s1", Name: "x", Type: "does-not-exist"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailure, outcome.Status)
	require.NotEmpty(t, outcome.Errors)
	assert.Contains(t, outcome.Errors[0], "unknown action")
}

func TestDelegationBadBody(t *testing.T) {
	h := NewRouter(Deps{Delegation: newDelegationService(t, "b"), Logger: logging.Discard()})
	rec := do(t, h, http.MethodPost, "/api/v1/delegation/execute", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientUnreachable(t *testing.T) {
	srv := newLateServer(t)
	agent := srv.agent(t, "gone")
	srv.Close()

	_, err := NewHTTPClient(time.Second).Delegate(context.Background(), agent, &schema.DelegationRequest{})
	assert.Error(t, err)
}

func TestClientDecodesRemoteError(t *testing.T) {
	srv := newLateServer(t)
	srv.set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, errorBody{Error: schema.NewError(schema.ErrCodeConflict, "busy")})
	}))

	_, err := NewHTTPClient(time.Second).Explore(context.Background(), srv.agent(t, "x"), &schema.ExploreRequest{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	srv.set(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	err = NewHTTPClient(time.Second).WrapUp(context.Background(), srv.agent(t, "x"), &schema.NetworkDescription{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestNetworkDiscoveryOverHTTP(t *testing.T) {
	srvA, srvB := newLateServer(t), newLateServer(t)
	client := NewHTTPClient(time.Second)
	a := network.NewTopology(network.Options{
		Self:       srvA.agent(t, "a"),
		Neighbours: []schema.NamedHostAndPort{srvB.agent(t, "b")},
		Client:     client,
		Prober:     network.ProberFunc(func(context.Context, schema.Target) bool { return false }),
		Logger:     logging.Discard(),
	})
	b := network.NewTopology(network.Options{
		Self:       srvB.agent(t, "b"),
		Neighbours: []schema.NamedHostAndPort{srvA.agent(t, "a")},
		Client:     client,
		Prober: network.ProberFunc(func(_ context.Context, target schema.Target) bool {
			return target.Name == "db"
		}),
		Logger: logging.Discard(),
	})
	srvA.set(NewRouter(Deps{Topology: a, Logger: logging.Discard()}))
	srvB.set(NewRouter(Deps{Topology: b, Logger: logging.Discard()}))

	rec := do(t, NewRouter(Deps{Topology: a, Logger: logging.Discard()}), http.MethodGet, "/api/v1/agent-network", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body, err := json.Marshal(schema.NetworkConfiguration{Targets: []schema.Target{{Name: "db"}}})
	require.NoError(t, err)
	resp, err := http.Post(srvA.URL+"/api/v1/agent-network/configure", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var desc schema.NetworkDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Equal(t, "a", desc.Coordinator)
	assert.Equal(t, 2, desc.Graph.LinkCount())

	got, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "a", got.Coordinator)

	hops, ok := a.RouteTo("db")
	require.True(t, ok)
	require.Len(t, hops, 1)
	assert.Equal(t, "b", hops[0].Name)

	assert.Equal(t, network.StateFinished, a.State())
	resp2, err := http.Get(srvA.URL + "/api/v1/agent-network/state")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var state map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&state))
	assert.Equal(t, "FINISHED", state["state"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := NewRouter(Deps{Logger: logging.Discard()})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(headerRequestID))
}
