package wfserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wfobs"
	"github.com/kadirpekel/arranger/pkg/wfserver"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

func newTestServer(t *testing.T) (*wfserver.Server, *wfkernel.Kernel, *wftask.Scheduler, *wfgovernance.Service) {
	t.Helper()
	events := wfevents.New()
	kernel := wfkernel.New(events)
	gov := wfgovernance.New(events)

	tasks := wftask.NewInMemoryTaskStore()
	agents := wftask.NewInMemoryAgentStore()
	locks := wftask.NewMemLockTable()
	scheduler := wftask.New(tasks, agents, locks, events, wftask.Config{})

	srv := wfserver.New(wfserver.Config{Kernel: kernel, Scheduler: scheduler, Agents: agents, Gov: gov})
	return srv, kernel, scheduler, gov
}

func getJSON(t *testing.T, srv *wfserver.Server, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestServer_Healthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var body map[string]string
	rec := getJSON(t, srv, "/healthz", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
}

func TestServer_ListInstancesAndGetInstance(t *testing.T) {
	srv, kernel, _, _ := newTestServer(t)
	ctx := context.Background()

	def := &wfkernel.WorkflowDefinition{
		ID: "wf1", Name: "Flow", Version: "1",
		Phases: []wfkernel.PhaseDefinition{{ID: "intake", Title: "Intake"}},
	}
	require.NoError(t, kernel.RegisterDefinition(def))
	inst, err := kernel.CreateInstance(ctx, "wf1", "sess-1", nil)
	require.NoError(t, err)

	var list []wfkernel.WorkflowInstance
	rec := getJSON(t, srv, "/instances", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, list, 1)

	var got wfkernel.WorkflowInstance
	rec = getJSON(t, srv, "/instances/"+inst.ID, &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, inst.ID, got.ID)

	var phases map[string]*wfkernel.PhaseRuntimeState
	rec = getJSON(t, srv, "/instances/"+inst.ID+"/phases", &phases)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, phases, "intake")
}

func TestServer_GetInstanceNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := getJSON(t, srv, "/instances/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListTasksAndAgents(t *testing.T) {
	srv, _, scheduler, _ := newTestServer(t)
	ctx := context.Background()
	_, err := scheduler.CreateTask(ctx, wftask.Input{SessionID: "s1", Title: "do thing", Intent: "new_feature"})
	require.NoError(t, err)

	var tasks []wftask.Task
	rec := getJSON(t, srv, "/tasks", &tasks)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, tasks, 1)

	var agents []wftask.Agent
	rec = getJSON(t, srv, "/agents", &agents)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, agents, 0)
}

func TestServer_GovernanceEndpoints(t *testing.T) {
	srv, _, _, gov := newTestServer(t)
	ctx := context.Background()

	_, err := gov.OpenVoteTopic(ctx, "s1", wfgovernance.VoteSimpleMajority, []string{"dev"}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = gov.CreateApproval(ctx, "task-1", "runtime", "user")
	require.NoError(t, err)
	gov.Notify(ctx, "s1", wfgovernance.NotificationLevel("info"), "hello", nil)

	var votes []wfgovernance.VoteTopic
	rec := getJSON(t, srv, "/governance/votes", &votes)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, votes, 1)

	var approvals []wfgovernance.Approval
	rec = getJSON(t, srv, "/governance/approvals", &approvals)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, approvals, 1)

	rec = getJSON(t, srv, "/governance/notifications", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var notifs []wfgovernance.Notification
	rec = getJSON(t, srv, "/governance/notifications?sessionID=s1", &notifs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, notifs, 1)
}

func TestServer_Metrics(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	getJSON(t, srv, "/healthz", nil)
	rec := getJSON(t, srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "arranger_http_requests_total")
}

func TestServer_DebugSpansServedWhenRecorderConfigured(t *testing.T) {
	events := wfevents.New()
	kernel := wfkernel.New(events)
	tasks := wftask.NewInMemoryTaskStore()
	agents := wftask.NewInMemoryAgentStore()
	locks := wftask.NewMemLockTable()
	scheduler := wftask.New(tasks, agents, locks, events, wftask.Config{})

	rec := wfobs.NewRecorder(10)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(rec))
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()
	_, span := tp.Tracer("test").Start(context.Background(), "kernel.op")
	span.End()

	srv := wfserver.New(wfserver.Config{Kernel: kernel, Scheduler: scheduler, Spans: rec})

	var spans []map[string]any
	res := getJSON(t, srv, "/debug/spans?name=kernel.op", &spans)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, spans, 1)
	require.Equal(t, "kernel.op", spans[0]["name"])

	// Without a recorder the route is absent entirely.
	bare := wfserver.New(wfserver.Config{Kernel: kernel, Scheduler: scheduler})
	req := httptest.NewRequest(http.MethodGet, "/debug/spans", nil)
	w := httptest.NewRecorder()
	bare.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
