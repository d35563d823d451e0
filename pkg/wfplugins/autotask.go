package wfplugins

import (
	"context"
	"fmt"

	"github.com/kadirpekel/arranger/pkg/wfbus"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wfkernel"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

// AutoTaskPlugin spawns the tasks a phase's entry.auto_tasks templates
// describe as soon as the phase is entered. Spawning is
// idempotent: each generated task carries a unique label derived from
// (instance, phase, template index, task index), so re-delivery of the
// same phase_enter event — or a restart that replays it — never
// duplicates work.
type AutoTaskPlugin struct {
	pctx *wfbus.Context
}

// NewAutoTaskPlugin constructs an unstarted Auto-Task Plugin.
func NewAutoTaskPlugin() *AutoTaskPlugin { return &AutoTaskPlugin{} }

func (p *AutoTaskPlugin) ID() string { return "auto_task" }

// Start wires the plugin's context and requeues any auto-spawned task
// left in "assigned" from a previous run.
func (p *AutoTaskPlugin) Start(ctx context.Context, pctx *wfbus.Context) error {
	p.pctx = pctx
	return p.requeueStaleAutoTasks(ctx)
}

func (p *AutoTaskPlugin) Dispose() error { return nil }

// HandleWorkflowEvent reacts to phase_enter by spawning that phase's
// auto_tasks templates.
func (p *AutoTaskPlugin) HandleWorkflowEvent(ev wfkernel.RuntimeEvent) {
	if ev.Type != wfkernel.EventPhaseEnter {
		return
	}
	ctx := context.Background()
	if err := p.spawnForPhase(ctx, ev); err != nil {
		wflog.L().Error("auto_task: spawn failed", "instance", ev.InstanceID, "phase", ev.PhaseID, "error", err)
	}
}

func (p *AutoTaskPlugin) spawnForPhase(ctx context.Context, ev wfkernel.RuntimeEvent) error {
	def, ok := p.pctx.Kernel.GetDefinition(ev.WorkflowID)
	if !ok {
		return fmt.Errorf("auto_task: unknown workflow %q", ev.WorkflowID)
	}
	phase, ok := phaseByID(def, ev.PhaseID)
	if !ok || len(phase.EntryAutoTask) == 0 {
		return nil
	}

	inst, err := p.pctx.Kernel.GetInstance(ev.InstanceID)
	if err != nil {
		return err
	}
	scenario := firstScenario(inst.Metadata)

	for ti, tmpl := range phase.EntryAutoTask {
		var specs []TaskSpec
		if tmpl.Generator == "" {
			// No generator named: the template itself is the single task.
			specs = []TaskSpec{{
				Title:    tmpl.Title,
				Intent:   tmpl.Intent,
				Scope:    tmpl.Scope,
				Priority: wftask.Priority(tmpl.Priority),
				Metadata: tmpl.Metadata,
			}}
		} else {
			gen, ok := GeneratorByName(tmpl.Generator)
			if !ok {
				wflog.L().Warn("auto_task: unknown generator", "generator", tmpl.Generator, "phase", ev.PhaseID)
				continue
			}
			specs = gen(GeneratorRequest{
				WorkflowID: ev.WorkflowID,
				InstanceID: ev.InstanceID,
				PhaseID:    ev.PhaseID,
				Template:   tmpl,
				Scenario:   scenario,
				Metadata:   inst.Metadata,
			})
		}

		for si, spec := range specs {
			if err := p.spawnOne(ctx, inst, ev.PhaseID, tmpl, spec, ti, si); err != nil {
				wflog.L().Error("auto_task: spawn one failed", "instance", ev.InstanceID, "phase", ev.PhaseID, "error", err)
			}
		}
	}
	return nil
}

func (p *AutoTaskPlugin) spawnOne(ctx context.Context, inst *wfkernel.WorkflowInstance, phaseID string, tmpl wfkernel.AutoTaskTemplate, spec TaskSpec, ti, si int) error {
	role := spec.Role
	if role == "" {
		role = tmpl.Role
	}

	labels := []string{
		labelWorkflowPrefix + inst.WorkflowID,
		labelWorkflowPhasePrefix + phaseID,
		labelWorkflowInstancePrefix + inst.ID,
		labelWorkflowAuto,
	}
	labels = append(labels, tmpl.Labels...)
	labels = append(labels, spec.Labels...)

	if role != "" {
		eligible, err := p.pctx.Tasks.HasEligibleAgent(ctx, role)
		if err != nil {
			return err
		}
		if eligible {
			labels = append(labels, labelWorkflowRolePrefix+role)
		} else {
			labels = append(labels, labelWorkflowHumanRequired, labelWorkflowHumanPortal)
			p.pctx.Governance.Notify(ctx, inst.SessionID, wfgovernance.NotificationWarning,
				fmt.Sprintf("no eligible agent for role %q; routed to human portal", role),
				map[string]any{"instance_id": inst.ID, "phase_id": phaseID, "role": role})
		}
	}

	uniqueLabel := fmt.Sprintf("workflow_auto:%s:%s:%d-%d", inst.ID, phaseID, ti, si)
	priority := spec.Priority
	if priority == "" {
		priority = wftask.PriorityMedium
	}

	task, err := p.pctx.Tasks.CreateTaskOnceByLabel(ctx, uniqueLabel, wftask.Input{
		SessionID: inst.SessionID,
		Title:     spec.Title,
		Intent:    spec.Intent,
		Scope:     spec.Scope,
		Priority:  priority,
		Labels:    labels,
		Metadata:  spec.Metadata,
	})
	if err != nil {
		return err
	}

	return p.pctx.Kernel.UpdateTrackedTask(ctx, inst.ID, phaseID, wfkernel.TrackedTask{
		ID: task.ID, Status: string(task.Status), Assignee: task.AssignedTo, Labels: task.Labels,
	})
}

// requeueStaleAutoTasks returns auto-spawned tasks stranded in "assigned"
// (e.g. the agent holding their lock crashed) back to "pending" so the
// next assignment pass can pick them up.
func (p *AutoTaskPlugin) requeueStaleAutoTasks(ctx context.Context) error {
	tasks, err := p.pctx.Tasks.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != wftask.StatusAssigned || !hasLabel(t.Labels, labelWorkflowAuto) {
			continue
		}
		if err := p.pctx.Tasks.ReleaseTaskClaim(ctx, t.ID, t.AssignedTo); err != nil {
			wflog.L().Warn("auto_task: release stale claim failed", "task", t.ID, "error", err)
		}
		if err := p.pctx.Tasks.UpdateTaskStatus(ctx, t.ID, wftask.StatusPending, "requeued_on_startup"); err != nil {
			wflog.L().Warn("auto_task: requeue stale auto-task failed", "task", t.ID, "error", err)
		}
	}
	return nil
}

func phaseByID(def *wfkernel.WorkflowDefinition, id string) (wfkernel.PhaseDefinition, bool) {
	for _, p := range def.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return wfkernel.PhaseDefinition{}, false
}

var (
	_ wfbus.Plugin               = (*AutoTaskPlugin)(nil)
	_ wfbus.WorkflowEventHandler = (*AutoTaskPlugin)(nil)
)
