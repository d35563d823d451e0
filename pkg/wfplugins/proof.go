package wfplugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/arranger/pkg/wfbus"
	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

const (
	labelProofWork      = "proof:work"
	labelProofAgreement = "proof:agreement"
	labelDefect         = "defect"

	qaSignoffDecision = "qa_signoff"
)

// proofPhases is the fixed template table naming the phases that get a
// proof-of-work/proof-of-agreement task pair on entry.
var proofPhases = map[string]bool{
	"verify":   true,
	"delivery": true,
}

// ProofPlugin spawns proof tasks for verify/delivery phases, turns their
// completion into wfgovernance.Proof records and the qa_signoff decision,
// syncs defect-labeled tasks into the kernel's open-defect set, and
// forwards generic decision:<id>/artifact:<id> labels.
type ProofPlugin struct {
	pctx *wfbus.Context
}

func NewProofPlugin() *ProofPlugin { return &ProofPlugin{} }

func (p *ProofPlugin) ID() string { return "proof" }

func (p *ProofPlugin) Start(ctx context.Context, pctx *wfbus.Context) error {
	p.pctx = pctx
	wfevents.Subscribe(pctx.Events, wfevents.TopicTasksUpdate, p.handleTasksUpdate)
	return nil
}

func (p *ProofPlugin) Dispose() error { return nil }

func (p *ProofPlugin) HandleWorkflowEvent(ev wfkernel.RuntimeEvent) {
	if ev.Type != wfkernel.EventPhaseEnter || !proofPhases[ev.PhaseID] {
		return
	}
	ctx := context.Background()
	if err := p.spawnProofTasks(ctx, ev); err != nil {
		wflog.L().Error("proof: spawn failed", "instance", ev.InstanceID, "phase", ev.PhaseID, "error", err)
	}
}

func (p *ProofPlugin) spawnProofTasks(ctx context.Context, ev wfkernel.RuntimeEvent) error {
	inst, err := p.pctx.Kernel.GetInstance(ev.InstanceID)
	if err != nil {
		return err
	}

	for _, proofLabel := range []string{labelProofWork, labelProofAgreement} {
		uniqueLabel := fmt.Sprintf("workflow_proof:%s:%s:%s", ev.InstanceID, ev.PhaseID, proofLabel)
		labels := []string{
			proofLabel,
			labelWorkflowPrefix + ev.WorkflowID,
			labelWorkflowPhasePrefix + ev.PhaseID,
			labelWorkflowInstancePrefix + ev.InstanceID,
		}
		task, err := p.pctx.Tasks.CreateTaskOnceByLabel(ctx, uniqueLabel, wftask.Input{
			SessionID: inst.SessionID,
			Title:     fmt.Sprintf("%s: %s", proofLabel, ev.PhaseID),
			Intent:    proofLabel,
			Priority:  wftask.PriorityHigh,
			Labels:    labels,
		})
		if err != nil {
			return err
		}
		if err := p.pctx.Kernel.UpdateTrackedTask(ctx, ev.InstanceID, ev.PhaseID, wfkernel.TrackedTask{
			ID: task.ID, Status: string(task.Status), Assignee: task.AssignedTo, Labels: task.Labels,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProofPlugin) handleTasksUpdate(tasks []*wftask.Task) {
	ctx := context.Background()
	for _, t := range tasks {
		instanceID := instanceIDFromLabels(t.Labels)
		phaseID := phaseIDFromLabels(t.Labels)
		if instanceID == "" || phaseID == "" {
			continue
		}

		if err := p.syncTrackedTask(ctx, instanceID, phaseID, t); err != nil {
			wflog.L().Error("proof: sync tracked task failed", "task", t.ID, "error", err)
		}

		if hasLabel(t.Labels, labelDefect) {
			if err := p.syncDefect(ctx, instanceID, phaseID, t); err != nil {
				wflog.L().Error("proof: sync defect failed", "task", t.ID, "error", err)
			}
		}

		if t.Status != wftask.StatusCompleted {
			continue
		}

		switch {
		case hasLabel(t.Labels, labelProofWork):
			if err := p.recordProof(ctx, instanceID, phaseID, t, wfgovernance.ProofWork); err != nil {
				wflog.L().Error("proof: record proof-of-work failed", "task", t.ID, "error", err)
			}
		case hasLabel(t.Labels, labelProofAgreement):
			if err := p.recordProof(ctx, instanceID, phaseID, t, wfgovernance.ProofAgreement); err != nil {
				wflog.L().Error("proof: record proof-of-agreement failed", "task", t.ID, "error", err)
			}
			if err := p.pctx.Kernel.RecordDecision(ctx, instanceID, phaseID, qaSignoffDecision); err != nil {
				wflog.L().Error("proof: record qa_signoff failed", "task", t.ID, "error", err)
			}
		}

		for _, id := range allWithPrefix(t.Labels, labelDecisionPrefix) {
			if err := p.pctx.Kernel.RecordDecision(ctx, instanceID, phaseID, id); err != nil {
				wflog.L().Error("proof: forward decision failed", "task", t.ID, "decision", id, "error", err)
			}
		}
		for _, id := range allWithPrefix(t.Labels, labelArtifactPrefix) {
			if err := p.pctx.Kernel.RecordArtifact(ctx, instanceID, phaseID, id, t.ResultSummary); err != nil {
				wflog.L().Error("proof: forward artifact failed", "task", t.ID, "artifact", id, "error", err)
			}
		}
	}
}

func (p *ProofPlugin) syncTrackedTask(ctx context.Context, instanceID, phaseID string, t *wftask.Task) error {
	return p.pctx.Kernel.UpdateTrackedTask(ctx, instanceID, phaseID, wfkernel.TrackedTask{
		ID: t.ID, Status: string(t.Status), Assignee: t.AssignedTo, Labels: t.Labels,
	})
}

// syncDefect mirrors a defect-labeled task's open/closed state onto the
// phase's OpenDefects set: completed or failed closes it, anything else
// keeps it open.
func (p *ProofPlugin) syncDefect(ctx context.Context, instanceID, phaseID string, t *wftask.Task) error {
	status := "open"
	if t.Status.IsTerminal() {
		status = "closed"
	}
	severity := metadataString(t.Metadata, "severity")
	if severity == "" {
		severity = string(wfgovernance.DefectMedium)
	}
	return p.pctx.Kernel.UpdateDefect(ctx, instanceID, phaseID, t.ID, wfkernel.DefectState{
		Severity: severity, Status: status,
	})
}

// evidenceURI prefers a result_details value that already is a URI, then
// the phase's first recorded artifact (a URI-valued artifact is used
// directly, anything else is referenced by key), and only then a task://
// reference.
func evidenceURI(t *wftask.Task, phaseID string, artifacts map[string]any) string {
	if uriLike(t.ResultDetails) {
		return strings.TrimSpace(t.ResultDetails)
	}
	if len(artifacts) > 0 {
		keys := make([]string, 0, len(artifacts))
		for k := range artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		first := keys[0]
		if v, ok := artifacts[first].(string); ok && uriLike(v) {
			return strings.TrimSpace(v)
		}
		return fmt.Sprintf("artifact://%s/%s", phaseID, first)
	}
	return fmt.Sprintf("task://%s", t.ID)
}

func uriLike(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && strings.Contains(s, "://") && !strings.ContainsAny(s, " \n")
}

func (p *ProofPlugin) recordProof(ctx context.Context, instanceID, phaseID string, t *wftask.Task, proofType wfgovernance.ProofType) error {
	var artifacts map[string]any
	if ps, err := p.pctx.Kernel.GetPhaseState(instanceID, phaseID); err == nil {
		artifacts = ps.Artifacts
	}

	sum := sha256.Sum256([]byte(t.ResultSummary + t.ResultDetails))
	proofID := fmt.Sprintf("proof:%s:%s", phaseID, t.ID)
	proof, err := p.pctx.Governance.UpsertProof(ctx, &wfgovernance.Proof{
		ID:                 proofID,
		WorkflowInstanceID: instanceID,
		PhaseID:            phaseID,
		Type:               proofType,
		TaskID:             t.ID,
		EvidenceURI:        evidenceURI(t, phaseID, artifacts),
		Hash:               hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return err
	}
	return p.pctx.Kernel.RecordProof(ctx, instanceID, phaseID, proofID, proof)
}

var (
	_ wfbus.Plugin               = (*ProofPlugin)(nil)
	_ wfbus.WorkflowEventHandler = (*ProofPlugin)(nil)
)
