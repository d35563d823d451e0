package wfkernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfevents"
)

func chainDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      "wf-chain",
		Version: "1",
		Phases: []PhaseDefinition{
			{
				ID: "intake",
				Exit: ExitGate{
					RequireDecisions: []string{"scope_confirmed"},
				},
			},
			{
				ID:           "build",
				Dependencies: []string{"intake"},
				Exit: ExitGate{
					RequireArtifacts: []string{"build_output"},
				},
			},
			{
				ID:           "release",
				Dependencies: []string{"build"},
				Exit: ExitGate{
					RequireTasksCompleted: []string{"release_check"},
				},
			},
		},
	}
}

func TestKernel_DependencyChainWithDecisionGate(t *testing.T) {
	ctx := context.Background()
	bus := wfevents.New()
	k := New(bus)
	require.NoError(t, k.RegisterDefinition(chainDefinition()))

	var events []RuntimeEvent
	bus.On(wfevents.TopicWorkflowEvent, func(payload any) {
		ev, ok := payload.(RuntimeEvent)
		require.True(t, ok)
		events = append(events, ev)
	})

	inst, err := k.CreateInstance(ctx, "wf-chain", "sess-1", nil)
	require.NoError(t, err)

	// Only intake has no dependencies; it alone should be active.
	require.Equal(t, PhaseActive, inst.PhaseState["intake"].Status)
	require.Equal(t, PhasePending, inst.PhaseState["build"].Status)
	require.Equal(t, PhasePending, inst.PhaseState["release"].Status)

	// build and release stay pending until intake's exit gate is satisfied.
	require.NoError(t, k.RecordArtifact(ctx, inst.ID, "build", "build_output", "ignored"))
	inst, err = k.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseActive, inst.PhaseState["intake"].Status)
	require.Equal(t, PhasePending, inst.PhaseState["build"].Status)

	require.NoError(t, k.RecordDecision(ctx, inst.ID, "intake", "scope_confirmed"))
	inst, err = k.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, inst.PhaseState["intake"].Status)
	require.Equal(t, PhaseCompleted, inst.PhaseState["build"].Status, "build's artifact was recorded before its dependency completed")
	require.Equal(t, PhaseActive, inst.PhaseState["release"].Status)

	require.NoError(t, k.RecordDecision(ctx, inst.ID, "intake", "scope_confirmed"))
	inst2, err := k.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, inst.PhaseState["intake"].CompletedAt, inst2.PhaseState["intake"].CompletedAt, "re-recording the same decision must not re-fire the phase lifecycle")

	completions := 0
	for _, ev := range events {
		if ev.Type == EventPhaseComplete && ev.PhaseID == "intake" {
			completions++
		}
	}
	require.Equal(t, 1, completions, "intake must emit exactly one phase_complete event across its lifecycle")
}

func scenarioDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      "wf-scenario",
		Version: "1",
		// always_on and security_review carry an exit gate so that, once
		// activated, they stay active: a phase with an empty exit gate
		// completes in the same activation pass that enters it.
		Phases: []PhaseDefinition{
			{ID: "always_on", Exit: ExitGate{RequireDecisions: []string{"ack"}}},
			{
				ID:           "security_review",
				ScenarioTags: []string{"security_sensitive"},
				Exit:         ExitGate{RequireDecisions: []string{"ack"}},
			},
			{
				ID:           "docs_only",
				ScenarioTags: []string{"docs_only"},
			},
		},
	}
}

func TestKernel_ScenarioGating(t *testing.T) {
	ctx := context.Background()
	k := New(wfevents.New())
	require.NoError(t, k.RegisterDefinition(scenarioDefinition()))

	inst, err := k.CreateInstance(ctx, "wf-scenario", "sess-2", map[string]any{
		"scenario": []string{"security_sensitive"},
	})
	require.NoError(t, err)

	require.Equal(t, PhaseActive, inst.PhaseState["always_on"].Status, "untagged phases are never scenario-gated")
	require.Equal(t, PhaseActive, inst.PhaseState["security_review"].Status, "tagged phase matching an active scenario tag must activate")
	require.Equal(t, PhasePending, inst.PhaseState["docs_only"].Status, "tagged phase with no matching scenario tag must stay pending")
}

func TestKernel_InstanceCompletesWhenAllPhasesComplete(t *testing.T) {
	ctx := context.Background()
	k := New(wfevents.New())
	require.NoError(t, k.RegisterDefinition(chainDefinition()))

	inst, err := k.CreateInstance(ctx, "wf-chain", "", nil)
	require.NoError(t, err)

	require.NoError(t, k.RecordArtifact(ctx, inst.ID, "build", "build_output", "ok"))
	require.NoError(t, k.RecordDecision(ctx, inst.ID, "intake", "scope_confirmed"))

	inst, err = k.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseActive, inst.PhaseState["release"].Status)
	require.Equal(t, InstanceRunning, inst.Status)

	require.NoError(t, k.UpdateTrackedTask(ctx, inst.ID, "release", TrackedTask{ID: "t1", Status: "completed", Labels: []string{"release_check"}}))
	inst, err = k.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, inst.PhaseState["release"].Status, "release's tracked-task exit gate is satisfied by the completed release_check task")
	require.Equal(t, InstanceCompleted, inst.Status)
	require.Empty(t, inst.ActivePhases)
}

func TestKernel_BlockPhase(t *testing.T) {
	ctx := context.Background()
	k := New(wfevents.New())
	require.NoError(t, k.RegisterDefinition(chainDefinition()))

	inst, err := k.CreateInstance(ctx, "wf-chain", "", nil)
	require.NoError(t, err)

	require.NoError(t, k.BlockPhase(ctx, inst.ID, "intake", "external approval pending"))
	inst, err = k.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseBlocked, inst.PhaseState["intake"].Status)
	require.Equal(t, []string{"external approval pending"}, inst.PhaseState["intake"].Blockers)
}

func TestKernel_RegisterDefinition_RejectsCycle(t *testing.T) {
	k := New(wfevents.New())
	def := &WorkflowDefinition{
		ID:      "wf-cycle",
		Version: "1",
		Phases: []PhaseDefinition{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"a"}},
		},
	}
	err := k.RegisterDefinition(def)
	require.Error(t, err)

	var kernelErr *Error
	require.ErrorAs(t, err, &kernelErr)
	require.Equal(t, ErrCodeDefinitionInvalid, kernelErr.Code)
}

func TestKernel_RegisterDefinition_RejectsUnknownDependency(t *testing.T) {
	k := New(wfevents.New())
	def := &WorkflowDefinition{
		ID:      "wf-dangling",
		Version: "1",
		Phases: []PhaseDefinition{
			{ID: "a", Dependencies: []string{"ghost"}},
		},
	}
	require.Error(t, k.RegisterDefinition(def))
}

func TestKernel_FindInstanceBySession(t *testing.T) {
	ctx := context.Background()
	k := New(wfevents.New())
	require.NoError(t, k.RegisterDefinition(chainDefinition()))

	inst, err := k.CreateInstance(ctx, "wf-chain", "sess-42", nil)
	require.NoError(t, err)

	found, ok := k.FindInstanceBySession("sess-42")
	require.True(t, ok)
	require.Equal(t, inst.ID, found.ID)

	_, ok = k.FindInstanceBySession("no-such-session")
	require.False(t, ok)
}
