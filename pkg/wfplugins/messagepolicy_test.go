package wfplugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

func TestParseMentions_ExtractsAgentIDs(t *testing.T) {
	got := ParseMentions("hey @alice can you help, cc @bob-2")
	require.Equal(t, []string{"alice", "bob-2"}, got)
}

func TestClassifyScenario_PicksHighestPriorityMatch(t *testing.T) {
	require.Equal(t, "ops_hotfix", classifyScenario("production is down, need a hotfix"))
	require.Equal(t, "bug_fix", classifyScenario("found a bug in the login flow"))
	require.Equal(t, "discussion", classifyScenario("just checking in on status"))
}

func docDefinition() *wfkernel.WorkflowDefinition {
	return &wfkernel.WorkflowDefinition{
		ID: "router_flow", Version: "v1",
		// doc_outline is gated so it stays active once entered; a phase
		// with an empty exit gate completes in the pass that activates it.
		Phases: []wfkernel.PhaseDefinition{
			{ID: "doc_outline", ScenarioTags: []string{"doc_work"}, Exit: wfkernel.ExitGate{RequireArtifacts: []string{"outline"}}},
			{ID: "catch_all"},
		},
	}
}

func TestMessagePolicyPlugin_MarksRequirementUnblocksScenarioGatedPhase(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(docDefinition())

	plugin := NewMessagePolicyPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	inst := h.createInstance("router_flow", "sess-1", nil)

	ps, err := h.kernel.GetPhaseState(inst.ID, "doc_outline")
	require.NoError(t, err)
	require.Equal(t, wfkernel.PhasePending, ps.Status)
	require.True(t, ps.Metadata["scenario_pending"].(bool))

	plugin.handleMessagesUpdate([]*Message{{
		ID: "msg-1", SessionID: "sess-1", AuthorID: "user",
		Content: "need the documentation updated", CreatedAt: time.Now(),
	}})

	ps, err = h.kernel.GetPhaseState(inst.ID, "doc_outline")
	require.NoError(t, err)
	require.Equal(t, wfkernel.PhaseActive, ps.Status)
}

func TestMessagePolicyPlugin_MentionInterruptPausesAndAssignsDirectly(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(docDefinition())
	h.registerAgent("agent-1", "builder")

	plugin := NewMessagePolicyPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	ctx := context.Background()
	active, err := h.tasks.CreateTask(ctx, wftask.Input{
		SessionID: "sess-1", Title: "ongoing work",
	})
	require.NoError(t, err)
	require.NoError(t, h.tasks.UpdateTaskStatus(ctx, active.ID, wftask.StatusQueued, ""))
	require.NoError(t, h.tasks.AssignTaskDirectly(ctx, active.ID, "agent-1"))

	plugin.handleMessagesUpdate([]*Message{{
		ID: "msg-1", SessionID: "sess-1", AuthorID: "user",
		Content:  "@agent-1 please look at this now",
		Mentions: []string{"agent-1"},
	}})

	paused, err := h.tasks.GetTask(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, wftask.StatusPaused, paused.Status)

	tasks, err := h.tasks.ListTasks(ctx)
	require.NoError(t, err)
	var interrupt *wftask.Task
	for _, t := range tasks {
		if hasLabel(t.Labels, "mention:msg-1:agent-1") {
			interrupt = t
		}
	}
	require.NotNil(t, interrupt)
	require.Equal(t, "agent-1", interrupt.AssignedTo)
	require.Equal(t, wftask.StatusAssigned, interrupt.Status)
}

func TestMessagePolicyPlugin_MentionInterruptIsIdempotentAcrossReplay(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("agent-1", "builder")

	plugin := NewMessagePolicyPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	msg := &Message{ID: "msg-1", SessionID: "sess-1", AuthorID: "user", Mentions: []string{"agent-1"}}
	plugin.handleMessagesUpdate([]*Message{msg})
	plugin.handleMessagesUpdate([]*Message{msg})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestRouterPolicy_ConditionMatching(t *testing.T) {
	policy := &RouterPolicy{
		ID: "p1", Enabled: true,
		Match: PolicyConditions{
			MessageTypes: []string{"chat"},
			RequireUser:  true,
			Keywords:     []string{"deploy"},
			RequireTags:  []string{"urgent"},
			ExcludeTags:  []string{"muted"},
			Priority:     "high",
		},
	}

	base := Message{
		MessageType: "chat", AuthorID: "user", Content: "please DEPLOY this",
		Tags: []string{"urgent"}, Priority: "high",
	}
	require.True(t, policy.matches(&base))

	wrongType := base
	wrongType.MessageType = "system"
	require.False(t, policy.matches(&wrongType))

	notUser := base
	notUser.AuthorID = "agent-1"
	require.False(t, policy.matches(&notUser))

	noKeyword := base
	noKeyword.Content = "please ship this"
	require.False(t, policy.matches(&noKeyword))

	missingTag := base
	missingTag.Tags = nil
	require.False(t, policy.matches(&missingTag))

	excluded := base
	excluded.Tags = []string{"urgent", "muted"}
	require.False(t, policy.matches(&excluded))

	wrongPriority := base
	wrongPriority.Priority = "low"
	require.False(t, policy.matches(&wrongPriority))
}

func TestMessagePolicyPlugin_CreateTaskActionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("agent-1", "qa")

	plugin := NewMessagePolicyPlugin().WithPolicies(&RouterPolicy{
		ID: "test_router", Enabled: true, Priority: 10,
		Match:   PolicyConditions{Keywords: []string{"test"}},
		Actions: []PolicyAction{{Type: ActionCreateTask, Role: "qa", TaskPriority: wftask.PriorityHigh}},
	})
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	msg := &Message{ID: "msg-1", SessionID: "sess-1", AuthorID: "user", Content: "please test the login flow"}
	plugin.handleMessagesUpdate([]*Message{msg})
	plugin.handleMessagesUpdate([]*Message{msg})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, wftask.PriorityHigh, tasks[0].Priority)
	require.Contains(t, tasks[0].Labels, "message_policy:test_router:msg-1")
	require.Contains(t, tasks[0].Labels, "workflow_role:qa")
	require.Contains(t, tasks[0].Labels, "scenario:test_request")
}

func TestMessagePolicyPlugin_CreateTaskEscalatesWhenRoleUncovered(t *testing.T) {
	h := newHarness(t)

	plugin := NewMessagePolicyPlugin().WithPolicies(&RouterPolicy{
		ID: "test_router", Enabled: true, Priority: 10,
		Actions: []PolicyAction{{Type: ActionCreateTask, Role: "qa"}},
	})
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	plugin.handleMessagesUpdate([]*Message{{ID: "msg-1", SessionID: "sess-1", AuthorID: "user", Content: "anything"}})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Contains(t, tasks[0].Labels, "workflow:human_required")
	require.Contains(t, tasks[0].Labels, "workflow_role:human_portal")

	var warned bool
	for _, n := range h.gov.ListNotifications("sess-1") {
		if n.Level == "warning" {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestMessagePolicyPlugin_DisabledPolicyIsSkipped(t *testing.T) {
	h := newHarness(t)

	plugin := NewMessagePolicyPlugin().WithPolicies(&RouterPolicy{
		ID: "off", Enabled: false, Priority: 10,
		Actions: []PolicyAction{{Type: ActionCreateTask}},
	})
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	plugin.handleMessagesUpdate([]*Message{{ID: "msg-1", SessionID: "sess-1", AuthorID: "user", Content: "anything"}})

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestMessagePolicyPlugin_BootstrapCreatesInstanceFromRequirement(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(docDefinition())

	plugin := NewMessagePolicyPlugin().WithWorkflowBootstrap("router_flow")
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	msg := &Message{
		ID: "msg-1", SessionID: "sess-new", AuthorID: "user",
		Content: "need the documentation updated",
	}
	plugin.handleMessagesUpdate([]*Message{msg})

	require.Contains(t, msg.Tags, "requirement")
	require.Contains(t, msg.Tags, "scenario:doc_work")

	inst, ok := h.kernel.FindInstanceBySession("sess-new")
	require.True(t, ok)
	require.Equal(t, "need the documentation updated", inst.Metadata["requirementContent"])

	ps, err := h.kernel.GetPhaseState(inst.ID, "doc_outline")
	require.NoError(t, err)
	require.Equal(t, wfkernel.PhaseActive, ps.Status)
}
