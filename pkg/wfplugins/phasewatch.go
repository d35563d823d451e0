package wfplugins

import (
	"context"
	"sync"

	"github.com/kadirpekel/arranger/pkg/wfbus"
	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

// PhaseWatcherPlugin completes a phase's decision/artifacts the first
// time a completed task labeled workflow_phase:<phaseID> appears for an
// instance — one shot per instance, since a phase only needs its gate
// satisfied once. The Clarifier, Planner, and Builder plugins
// are three instances of this shape with different phase ids and
// decision/artifact names.
type PhaseWatcherPlugin struct {
	id           string
	phaseID      string
	decisionID   string
	artifactKeys []string

	pctx *wfbus.Context
	mu   sync.Mutex
	done map[string]bool
}

func newPhaseWatcher(id, phaseID, decisionID string, artifactKeys []string) *PhaseWatcherPlugin {
	return &PhaseWatcherPlugin{
		id: id, phaseID: phaseID, decisionID: decisionID, artifactKeys: artifactKeys,
		done: make(map[string]bool),
	}
}

// NewClarifierPlugin records clarified_scope and the acceptance_criteria
// artifact when the clarify phase's tracked task completes.
func NewClarifierPlugin() *PhaseWatcherPlugin {
	return newPhaseWatcher("clarifier", "clarify", "clarified_scope", []string{"acceptance_criteria"})
}

// NewPlannerPlugin records architecture_signoff and the design/
// implementation task-generation artifacts when the plan phase's tracked
// task completes.
func NewPlannerPlugin() *PhaseWatcherPlugin {
	return newPhaseWatcher("planner", "plan", "architecture_signoff",
		[]string{"design_tasks_generated", "implementation_tasks_generated"})
}

// NewBuilderPlugin records the implementation_complete artifact when the
// build phase's tracked task completes. Build has no decision gate of its
// own in the universal template — exit is artifact-gated.
func NewBuilderPlugin() *PhaseWatcherPlugin {
	return newPhaseWatcher("builder", "build", "", []string{"implementation_complete"})
}

func (p *PhaseWatcherPlugin) ID() string { return p.id }

func (p *PhaseWatcherPlugin) Start(ctx context.Context, pctx *wfbus.Context) error {
	p.pctx = pctx
	wfevents.Subscribe(pctx.Events, wfevents.TopicTasksUpdate, p.handleTasksUpdate)
	return nil
}

func (p *PhaseWatcherPlugin) Dispose() error { return nil }

func (p *PhaseWatcherPlugin) handleTasksUpdate(tasks []*wftask.Task) {
	ctx := context.Background()
	for _, t := range tasks {
		if t.Status != wftask.StatusCompleted {
			continue
		}
		if !hasLabel(t.Labels, labelWorkflowPhasePrefix+p.phaseID) {
			continue
		}
		instanceID := instanceIDFromLabels(t.Labels)
		if instanceID == "" {
			continue
		}
		if !p.claim(instanceID) {
			continue
		}
		p.apply(ctx, instanceID)
	}
}

// claim reports whether this is the first completed tracked task seen for
// instanceID, atomically marking it handled if so.
func (p *PhaseWatcherPlugin) claim(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done[instanceID] {
		return false
	}
	p.done[instanceID] = true
	return true
}

func (p *PhaseWatcherPlugin) apply(ctx context.Context, instanceID string) {
	if p.decisionID != "" {
		if err := p.pctx.Kernel.RecordDecision(ctx, instanceID, p.phaseID, p.decisionID); err != nil {
			wflog.L().Error("phase_watcher: record decision failed", "plugin", p.id, "instance", instanceID, "error", err)
		}
	}
	for _, key := range p.artifactKeys {
		if err := p.pctx.Kernel.RecordArtifact(ctx, instanceID, p.phaseID, key, true); err != nil {
			wflog.L().Error("phase_watcher: record artifact failed", "plugin", p.id, "instance", instanceID, "key", key, "error", err)
		}
	}
}

var (
	_ wfbus.Plugin = (*PhaseWatcherPlugin)(nil)
)
