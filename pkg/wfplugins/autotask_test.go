package wfplugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

func featureDefinition() *wfkernel.WorkflowDefinition {
	return &wfkernel.WorkflowDefinition{
		ID: "feature_flow", Version: "v1",
		Phases: []wfkernel.PhaseDefinition{
			{
				ID: "build",
				EntryAutoTask: []wfkernel.AutoTaskTemplate{
					{Generator: "feature_breakdown"},
				},
			},
		},
	}
}

func TestAutoTaskPlugin_SpawnsGeneratorTasksOnPhaseEnter(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(featureDefinition())
	h.registerAgent("agent-1", "clarifier", "frontend", "backend", "qa", "docs")

	plugin := NewAutoTaskPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	inst := h.createInstance("feature_flow", "sess-1", map[string]any{
		"scenario":          []string{"new_feature"},
		"requirementContent": "登录页面",
	})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	for _, task := range tasks {
		require.Contains(t, task.Labels, "workflow:"+inst.WorkflowID)
		require.Contains(t, task.Labels, "workflow_phase:build")
		require.Contains(t, task.Labels, "workflow_instance:"+inst.ID)
		require.Contains(t, task.Labels, labelWorkflowAuto)
		require.Contains(t, task.Labels, labelWorkflowBusinessTask)
	}
}

func TestAutoTaskPlugin_NoEligibleAgentFallsBackToHumanRequired(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(featureDefinition())
	// No agents registered at all.

	plugin := NewAutoTaskPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	h.createInstance("feature_flow", "sess-1", map[string]any{
		"scenario":          []string{"new_feature"},
		"requirementContent": "登录页面",
	})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	for _, task := range tasks {
		require.Contains(t, task.Labels, labelWorkflowHumanRequired)
		require.Contains(t, task.Labels, labelWorkflowHumanPortal)
	}

	notifs := h.gov.ListNotifications("sess-1")
	require.NotEmpty(t, notifs)
}

func TestAutoTaskPlugin_SpawnIsIdempotentAcrossReplayedEvents(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(featureDefinition())
	h.registerAgent("agent-1", "clarifier", "frontend", "backend", "qa", "docs")

	plugin := NewAutoTaskPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	inst := h.createInstance("feature_flow", "sess-1", map[string]any{
		"scenario":          []string{"new_feature"},
		"requirementContent": "x",
	})

	// Replay the same phase_enter event directly; no duplicate tasks.
	plugin.HandleWorkflowEvent(wfkernel.RuntimeEvent{
		Type: wfkernel.EventPhaseEnter, InstanceID: inst.ID, WorkflowID: inst.WorkflowID, PhaseID: "build",
	})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 5)
}

func TestAutoTaskPlugin_TemplateWithoutGeneratorSpawnsSingleTask(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(&wfkernel.WorkflowDefinition{
		ID: "plain_flow", Version: "v1",
		Phases: []wfkernel.PhaseDefinition{
			{
				ID: "intake",
				EntryAutoTask: []wfkernel.AutoTaskTemplate{
					{Title: "Triage the request", Intent: "triage", Priority: "high", Role: "ops"},
				},
			},
		},
	})
	h.registerAgent("agent-1", "ops")

	plugin := NewAutoTaskPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	h.createInstance("plain_flow", "sess-1", nil)

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Triage the request", tasks[0].Title)
	require.Equal(t, wftask.PriorityHigh, tasks[0].Priority)
	require.Contains(t, tasks[0].Labels, "workflow_role:ops")
}

func TestAutoTaskPlugin_RequeuesStaleAssignedAutoTasksOnStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale, err := h.tasks.CreateTask(ctx, wftask.Input{
		SessionID: "sess-1", Title: "stale auto task", Labels: []string{labelWorkflowAuto},
	})
	require.NoError(t, err)
	require.NoError(t, h.tasks.UpdateTaskStatus(ctx, stale.ID, wftask.StatusQueued, ""))
	require.NoError(t, h.tasks.UpdateTaskStatus(ctx, stale.ID, wftask.StatusAssigned, ""))

	plugin := NewAutoTaskPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(ctx))

	got, err := h.tasks.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, wftask.StatusPending, got.Status)
}
