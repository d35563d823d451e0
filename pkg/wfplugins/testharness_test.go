package wfplugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfbus"
	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

type harness struct {
	t      *testing.T
	events *wfevents.Bus
	kernel *wfkernel.Kernel
	tasks  *wftask.Scheduler
	gov    *wfgovernance.Service
	agents *wftask.InMemoryAgentStore
	pctx   *wfbus.Context
	bus    *wfbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	events := wfevents.New()
	k := wfkernel.New(events)
	gov := wfgovernance.New(events)
	taskStore := wftask.NewInMemoryTaskStore()
	agentStore := wftask.NewInMemoryAgentStore()
	locks := wftask.NewMemLockTable()
	sched := wftask.New(taskStore, agentStore, locks, events, wftask.Config{})

	pctx := &wfbus.Context{Kernel: k, Tasks: sched, Governance: gov, Events: events}
	bus := wfbus.New(pctx)

	return &harness{t: t, events: events, kernel: k, tasks: sched, gov: gov, agents: agentStore, pctx: pctx, bus: bus}
}

func (h *harness) registerAgent(id string, roles ...string) {
	h.agents.Register(&wftask.Agent{ID: id, Roles: roles, Status: wftask.AgentOnline, IsEnabled: true})
}

func (h *harness) registerDefinition(def *wfkernel.WorkflowDefinition) {
	require.NoError(h.t, h.kernel.RegisterDefinition(def))
}

func (h *harness) createInstance(workflowID, sessionID string, metadata map[string]any) *wfkernel.WorkflowInstance {
	inst, err := h.kernel.CreateInstance(context.Background(), workflowID, sessionID, metadata)
	require.NoError(h.t, err)
	return inst
}
