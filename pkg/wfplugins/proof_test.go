package wfplugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

func verifyDefinition() *wfkernel.WorkflowDefinition {
	return &wfkernel.WorkflowDefinition{
		ID: "verify_flow", Version: "v1",
		Phases: []wfkernel.PhaseDefinition{
			{
				ID: "verify",
				Exit: wfkernel.ExitGate{
					RequireDecisions:      []string{qaSignoffDecision},
					RequireDefectsOpenMax: 0,
				},
			},
		},
	}
}

func TestProofPlugin_SpawnsWorkAndAgreementTasksOnPhaseEnter(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(verifyDefinition())

	plugin := NewProofPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	inst := h.createInstance("verify_flow", "sess-1", nil)

	tasks, err := h.tasks.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var sawWork, sawAgreement bool
	for _, task := range tasks {
		require.Contains(t, task.Labels, "workflow_instance:"+inst.ID)
		require.Contains(t, task.Labels, "workflow_phase:verify")
		if hasLabel(task.Labels, labelProofWork) {
			sawWork = true
		}
		if hasLabel(task.Labels, labelProofAgreement) {
			sawAgreement = true
		}
	}
	require.True(t, sawWork)
	require.True(t, sawAgreement)
}

func TestProofPlugin_CompletingAgreementTaskRecordsProofAndSignsOff(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(verifyDefinition())

	plugin := NewProofPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	inst := h.createInstance("verify_flow", "sess-1", nil)

	ctx := context.Background()
	tasks, err := h.tasks.ListTasks(ctx)
	require.NoError(t, err)

	for _, task := range tasks {
		require.NoError(t, h.tasks.UpdateTaskStatus(ctx, task.ID, wftask.StatusQueued, ""))
		require.NoError(t, h.tasks.UpdateTaskStatus(ctx, task.ID, wftask.StatusAssigned, ""))
		require.NoError(t, h.tasks.UpdateTaskStatus(ctx, task.ID, wftask.StatusRunning, ""))
		require.NoError(t, h.tasks.CompleteTask(ctx, task.ID, "ok", "details"))
	}

	proofs := h.gov.ListProofsForPhase(inst.ID, "verify")
	require.Len(t, proofs, 2)

	ps, err := h.kernel.GetPhaseState(inst.ID, "verify")
	require.NoError(t, err)
	require.True(t, ps.Decisions[qaSignoffDecision])
	require.Equal(t, wfkernel.PhaseCompleted, ps.Status)

	refreshed, err := h.kernel.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, wfkernel.InstanceCompleted, refreshed.Status)
}

func TestProofPlugin_DefectTaskOpensAndClosesInPhaseState(t *testing.T) {
	h := newHarness(t)
	h.registerDefinition(verifyDefinition())

	plugin := NewProofPlugin()
	h.bus.Register(plugin)
	require.NoError(t, h.bus.Start(context.Background()))

	inst := h.createInstance("verify_flow", "sess-1", nil)

	ctx := context.Background()
	defect, err := h.tasks.CreateTask(ctx, wftask.Input{
		SessionID: "sess-1",
		Title:     "flaky test",
		Labels: []string{
			labelDefect,
			"workflow_instance:" + inst.ID,
			"workflow_phase:verify",
		},
	})
	require.NoError(t, err)

	ps, err := h.kernel.GetPhaseState(inst.ID, "verify")
	require.NoError(t, err)
	require.Contains(t, ps.OpenDefects, defect.ID)

	require.NoError(t, h.tasks.UpdateTaskStatus(ctx, defect.ID, wftask.StatusQueued, ""))
	require.NoError(t, h.tasks.UpdateTaskStatus(ctx, defect.ID, wftask.StatusAssigned, ""))
	require.NoError(t, h.tasks.UpdateTaskStatus(ctx, defect.ID, wftask.StatusRunning, ""))
	require.NoError(t, h.tasks.CompleteTask(ctx, defect.ID, "fixed", ""))

	ps, err = h.kernel.GetPhaseState(inst.ID, "verify")
	require.NoError(t, err)
	require.NotContains(t, ps.OpenDefects, defect.ID)
}

func TestEvidenceURI_ResultDetailsThenArtifactThenTaskRef(t *testing.T) {
	withURI := &wftask.Task{ID: "t1", ResultDetails: "https://ci.example.com/runs/42"}
	require.Equal(t, "https://ci.example.com/runs/42", evidenceURI(withURI, "verify", nil))

	// Prose result details fall through to the first artifact, sorted by
	// key; a URI-valued artifact is used directly.
	prose := &wftask.Task{ID: "t2", ResultDetails: "see the attached run at https://x"}
	require.Equal(t, "https://reports.example.com/7",
		evidenceURI(prose, "verify", map[string]any{"coverage_report": "https://reports.example.com/7"}))
	require.Equal(t, "artifact://verify/acceptance_criteria",
		evidenceURI(prose, "verify", map[string]any{"acceptance_criteria": true, "build_output": "ok text"}))

	empty := &wftask.Task{ID: "t3"}
	require.Equal(t, "task://t3", evidenceURI(empty, "verify", nil))
}
