// Package wfkernel implements the Kernel: the phase state
// machine that drives a WorkflowDefinition to completion for each
// WorkflowInstance, including scenario gating, dependency-gated
// activation, and decision/artifact/proof/task exit gating.
package wfkernel

import "time"

// WorkflowDefinition is an immutable, registered workflow template.
// Tagged for both JSON template files and the jsonschema
// reflector wftemplate exposes for tooling.
type WorkflowDefinition struct {
	ID      string            `json:"id" jsonschema:"required"`
	Name    string            `json:"name"`
	Version string            `json:"version" jsonschema:"required"`
	Phases  []PhaseDefinition `json:"phases" jsonschema:"required,minItems=1"`
}

// PhaseDefinition describes one stage of a WorkflowDefinition.
type PhaseDefinition struct {
	ID            string             `json:"id" jsonschema:"required"`
	Title         string             `json:"title"`
	Dependencies  []string           `json:"dependencies,omitempty"`
	ScenarioTags  []string           `json:"scenarioTags,omitempty"`
	EntryAutoTask []AutoTaskTemplate `json:"entryAutoTask,omitempty"`
	Exit          ExitGate           `json:"exit"`
}

// AutoTaskTemplate is one entry of a phase's entry.auto_tasks list. An
// entry either names a generator or describes a single task inline.
type AutoTaskTemplate struct {
	Generator string         `json:"generator,omitempty"`
	Title     string         `json:"title"`
	Intent    string         `json:"intent"`
	Scope     string         `json:"scope"`
	Priority  string         `json:"priority,omitempty"`
	Role      string         `json:"role,omitempty"`
	Labels    []string       `json:"labels,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExitGate is the subset of conditions a phase's exit may require.
type ExitGate struct {
	RequireDecisions      []string `json:"requireDecisions,omitempty"`
	RequireArtifacts      []string `json:"requireArtifacts,omitempty"`
	RequireTasksCreated   []string `json:"requireTasksCreated,omitempty"`
	RequireTasksCompleted []string `json:"requireTasksCompleted,omitempty"`
	RequireDefectsOpenMax int      `json:"requireDefectsOpenMax,omitempty"`
}

// PhaseStatus is a phase runtime state.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseBlocked   PhaseStatus = "blocked"
)

// TrackedTask is the lightweight tracked-task record a phase observes for
// exit gating — not the full wftask.Task.
type TrackedTask struct {
	ID       string
	Status   string
	Assignee string
	Labels   []string
}

// DefectState is a phase's record of one open defect.
type DefectState struct {
	Severity string
	Status   string
}

// PhaseRuntimeState is the mutable per-phase state within one
// WorkflowInstance.
type PhaseRuntimeState struct {
	Status       PhaseStatus
	EnteredAt    *time.Time
	CompletedAt  *time.Time
	Decisions    map[string]bool
	Artifacts    map[string]any
	Proofs       map[string]any
	TrackedTasks map[string]TrackedTask
	OpenDefects  map[string]DefectState
	Blockers     []string
	Metadata     map[string]any
}

func newPhaseRuntimeState() *PhaseRuntimeState {
	return &PhaseRuntimeState{
		Status:       PhasePending,
		Decisions:    make(map[string]bool),
		Artifacts:    make(map[string]any),
		Proofs:       make(map[string]any),
		TrackedTasks: make(map[string]TrackedTask),
		OpenDefects:  make(map[string]DefectState),
		Metadata:     make(map[string]any),
	}
}

// clone returns a deep copy, so read APIs never share mutable structure
// with callers.
func (p *PhaseRuntimeState) clone() *PhaseRuntimeState {
	cp := &PhaseRuntimeState{
		Status:       p.Status,
		Decisions:    make(map[string]bool, len(p.Decisions)),
		Artifacts:    make(map[string]any, len(p.Artifacts)),
		Proofs:       make(map[string]any, len(p.Proofs)),
		TrackedTasks: make(map[string]TrackedTask, len(p.TrackedTasks)),
		OpenDefects:  make(map[string]DefectState, len(p.OpenDefects)),
		Metadata:     make(map[string]any, len(p.Metadata)),
		Blockers:     append([]string(nil), p.Blockers...),
	}
	if p.EnteredAt != nil {
		t := *p.EnteredAt
		cp.EnteredAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	for k, v := range p.Decisions {
		cp.Decisions[k] = v
	}
	for k, v := range p.Artifacts {
		cp.Artifacts[k] = v
	}
	for k, v := range p.Proofs {
		cp.Proofs[k] = v
	}
	for k, v := range p.TrackedTasks {
		cp.TrackedTasks[k] = v
	}
	for k, v := range p.OpenDefects {
		cp.OpenDefects[k] = v
	}
	for k, v := range p.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// InstanceStatus is a WorkflowInstance's overall status.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// WorkflowInstance is a stateful run of a WorkflowDefinition.
type WorkflowInstance struct {
	ID           string
	WorkflowID   string
	SessionID    string
	Status       InstanceStatus
	Metadata     map[string]any
	PhaseState   map[string]*PhaseRuntimeState
	ActivePhases []string
}

// clone returns a deep copy of the instance, used by every read API so
// callers never share mutable structure with the kernel.
func (w *WorkflowInstance) clone() *WorkflowInstance {
	cp := &WorkflowInstance{
		ID:           w.ID,
		WorkflowID:   w.WorkflowID,
		SessionID:    w.SessionID,
		Status:       w.Status,
		Metadata:     make(map[string]any, len(w.Metadata)),
		PhaseState:   make(map[string]*PhaseRuntimeState, len(w.PhaseState)),
		ActivePhases: append([]string(nil), w.ActivePhases...),
	}
	for k, v := range w.Metadata {
		cp.Metadata[k] = v
	}
	for id, ps := range w.PhaseState {
		cp.PhaseState[id] = ps.clone()
	}
	return cp
}

// Summary is the read-only projection published on
// workflow_instances_update.
type Summary struct {
	ID         string
	WorkflowID string
	Status     InstanceStatus
	Active     []string
}
