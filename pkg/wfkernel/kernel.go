package wfkernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wfregistry"
)

var tracer = otel.Tracer("github.com/kadirpekel/arranger/pkg/wfkernel")

var (
	phaseEnterTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wfkernel_phase_enter_total",
		Help: "Phases entered, by workflow id and phase id.",
	}, []string{"workflow_id", "phase_id"})

	phaseCompleteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wfkernel_phase_complete_total",
		Help: "Phases completed, by workflow id and phase id.",
	}, []string{"workflow_id", "phase_id"})
)

func init() {
	prometheus.MustRegister(phaseEnterTotal, phaseCompleteTotal)
}

// instanceEntry pairs an instance with the definition it was created from
// and the mutex that serializes operations on it. Operations never span
// two instances, so a per-instance mutex is sufficient.
type instanceEntry struct {
	mu       sync.Mutex
	def      *WorkflowDefinition
	instance *WorkflowInstance

	// pending accumulates lifecycle events raised while entry.mu is held.
	// Dispatch is deferred until after the lock is released, so a
	// subscriber that calls back into the Kernel for this same instance —
	// the Auto-Task and Proof plugins both do, reacting to phase_enter by
	// recording tracked tasks — never deadlocks on a non-reentrant mutex.
	pending []RuntimeEvent
}

// Kernel drives WorkflowInstances through their WorkflowDefinition's phase
// graph: dependency-gated activation, scenario gating, and exit-gate
// evaluation against decisions, artifacts, tracked tasks, and defects.
type Kernel struct {
	defs *wfregistry.BaseRegistry[*WorkflowDefinition]
	bus  *wfevents.Bus

	mu        sync.RWMutex
	instances map[string]*instanceEntry
	bySession map[string]string
}

// New constructs a Kernel publishing lifecycle events on bus.
func New(bus *wfevents.Bus) *Kernel {
	return &Kernel{
		defs:      wfregistry.NewBaseRegistry[*WorkflowDefinition](),
		bus:       bus,
		instances: make(map[string]*instanceEntry),
		bySession: make(map[string]string),
	}
}

// RegisterDefinition validates and registers a WorkflowDefinition. It fails
// with ErrCodeDefinitionInvalid on duplicate phase ids, unknown or cyclic
// dependencies, or a missing id/version.
func (k *Kernel) RegisterDefinition(def *WorkflowDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	return k.defs.Register(def.ID, def)
}

// GetDefinition returns a registered definition by id.
func (k *Kernel) GetDefinition(id string) (*WorkflowDefinition, bool) {
	return k.defs.Get(id)
}

// ReplaceDefinition validates def and swaps it in under its id, replacing
// any previously registered definition with the same id. Instances already
// created from the old definition keep running against it (CreateInstance
// captures the definition pointer at creation time); only instances
// created after the swap see the new one. Used by the configuration
// layer's template hot-reload.
func (k *Kernel) ReplaceDefinition(def *WorkflowDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	_ = k.defs.Remove(def.ID)
	return k.defs.Register(def.ID, def)
}

// CreateInstance instantiates workflowID with every phase pending, runs the
// activation pass once to enter any phase with no dependencies, and emits
// workflow_instances_update.
func (k *Kernel) CreateInstance(ctx context.Context, workflowID, sessionID string, metadata map[string]any) (*WorkflowInstance, error) {
	def, ok := k.defs.Get(workflowID)
	if !ok {
		return nil, newErr(ErrCodeDefinitionInvalid, fmt.Sprintf("unknown workflow %q", workflowID), nil)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	inst := &WorkflowInstance{
		ID:         "wfi-" + newID(),
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Status:     InstanceRunning,
		Metadata:   metadata,
		PhaseState: make(map[string]*PhaseRuntimeState, len(def.Phases)),
	}
	for _, p := range def.Phases {
		inst.PhaseState[p.ID] = newPhaseRuntimeState()
	}

	entry := &instanceEntry{def: def, instance: inst}

	k.mu.Lock()
	k.instances[inst.ID] = entry
	if sessionID != "" {
		k.bySession[sessionID] = inst.ID
	}
	k.mu.Unlock()

	entry.mu.Lock()
	if err := k.runActivationPass(ctx, entry); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	events, summary := k.drain(entry)
	clone := entry.instance.clone()
	entry.mu.Unlock()

	k.dispatch(ctx, events, summary)
	return clone, nil
}

func (k *Kernel) getEntry(instanceID string) (*instanceEntry, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.instances[instanceID]
	if !ok {
		return nil, newErr(ErrCodeInstanceNotFound, fmt.Sprintf("unknown instance %q", instanceID), nil)
	}
	return entry, nil
}

// GetInstance returns a deep copy of an instance's current state.
func (k *Kernel) GetInstance(instanceID string) (*WorkflowInstance, error) {
	entry, err := k.getEntry(instanceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.instance.clone(), nil
}

// FindInstanceBySession returns the instance created for sessionID, if any.
func (k *Kernel) FindInstanceBySession(sessionID string) (*WorkflowInstance, bool) {
	k.mu.RLock()
	instanceID, ok := k.bySession[sessionID]
	k.mu.RUnlock()
	if !ok {
		return nil, false
	}
	inst, err := k.GetInstance(instanceID)
	if err != nil {
		return nil, false
	}
	return inst, true
}

// ListInstances returns deep copies of every known instance.
func (k *Kernel) ListInstances() []*WorkflowInstance {
	k.mu.RLock()
	entries := make([]*instanceEntry, 0, len(k.instances))
	for _, e := range k.instances {
		entries = append(entries, e)
	}
	k.mu.RUnlock()

	out := make([]*WorkflowInstance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.instance.clone())
		e.mu.Unlock()
	}
	return out
}

// GetPhaseState returns a deep copy of one phase's runtime state.
func (k *Kernel) GetPhaseState(instanceID, phaseID string) (*PhaseRuntimeState, error) {
	entry, err := k.getEntry(instanceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	ps, ok := entry.instance.PhaseState[phaseID]
	if !ok {
		return nil, newErr(ErrCodePhaseNotFound, fmt.Sprintf("unknown phase %q", phaseID), nil)
	}
	return ps.clone(), nil
}

// RecordDecision appends decisionID to a phase's decision set, idempotently,
// and re-runs the activation pass so a satisfied exit gate can progress the
// workflow immediately.
func (k *Kernel) RecordDecision(ctx context.Context, instanceID, phaseID, decisionID string) error {
	return k.mutate(ctx, instanceID, phaseID, func(ps *PhaseRuntimeState) {
		ps.Decisions[decisionID] = true
	})
}

// RecordArtifact records an artifact under key on a phase.
func (k *Kernel) RecordArtifact(ctx context.Context, instanceID, phaseID, key string, value any) error {
	return k.mutate(ctx, instanceID, phaseID, func(ps *PhaseRuntimeState) {
		ps.Artifacts[key] = value
	})
}

// RecordProof records a proof under key on a phase.
func (k *Kernel) RecordProof(ctx context.Context, instanceID, phaseID, key string, value any) error {
	return k.mutate(ctx, instanceID, phaseID, func(ps *PhaseRuntimeState) {
		ps.Proofs[key] = value
	})
}

// UpdateTrackedTask upserts a phase's lightweight view of a task by id.
func (k *Kernel) UpdateTrackedTask(ctx context.Context, instanceID, phaseID string, tt TrackedTask) error {
	return k.mutate(ctx, instanceID, phaseID, func(ps *PhaseRuntimeState) {
		ps.TrackedTasks[tt.ID] = tt
	})
}

// UpdateDefect upserts a phase's record of a defect by id. A status of
// "closed" or "" removes the defect from the open set.
func (k *Kernel) UpdateDefect(ctx context.Context, instanceID, phaseID, defectID string, state DefectState) error {
	return k.mutate(ctx, instanceID, phaseID, func(ps *PhaseRuntimeState) {
		if state.Status == "" || state.Status == "closed" {
			delete(ps.OpenDefects, defectID)
			return
		}
		ps.OpenDefects[defectID] = state
	})
}

// UpdateInstanceMetadata shallow-merges kv into an instance's metadata bag
// and re-runs the activation pass, since a scenario that previously
// blocked a phase may now match.
func (k *Kernel) UpdateInstanceMetadata(ctx context.Context, instanceID string, kv map[string]any) error {
	entry, err := k.getEntry(instanceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	for key, v := range kv {
		entry.instance.Metadata[key] = v
	}
	if err := k.runActivationPass(ctx, entry); err != nil {
		entry.mu.Unlock()
		return err
	}
	events, summary := k.drain(entry)
	entry.mu.Unlock()

	k.dispatch(ctx, events, summary)
	return nil
}

// BlockPhase marks a phase blocked with a human-readable reason and emits
// EventPhaseBlocked. Blocked is terminal for the automatic passes: the
// activation pass only scans pending phases, so a blocked phase stays
// blocked until an operator intervenes.
func (k *Kernel) BlockPhase(ctx context.Context, instanceID, phaseID, reason string) error {
	entry, err := k.getEntry(instanceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()

	ps, ok := entry.instance.PhaseState[phaseID]
	if !ok {
		entry.mu.Unlock()
		return newErr(ErrCodePhaseNotFound, fmt.Sprintf("unknown phase %q", phaseID), nil)
	}
	ps.Status = PhaseBlocked
	ps.Blockers = append(ps.Blockers, reason)
	entry.pending = append(entry.pending, RuntimeEvent{
		Type:       EventPhaseBlocked,
		InstanceID: instanceID,
		WorkflowID: entry.instance.WorkflowID,
		PhaseID:    phaseID,
		Blocker:    reason,
		At:         clockNow(),
	})

	events, summary := k.drain(entry)
	entry.mu.Unlock()

	k.dispatch(ctx, events, summary)
	return nil
}

// mutate applies fn to a phase's runtime state under the instance lock,
// then re-runs the activation pass so downstream phases can react to the
// new state within the same call.
func (k *Kernel) mutate(ctx context.Context, instanceID, phaseID string, fn func(*PhaseRuntimeState)) error {
	entry, err := k.getEntry(instanceID)
	if err != nil {
		return err
	}
	entry.mu.Lock()

	ps, ok := entry.instance.PhaseState[phaseID]
	if !ok {
		entry.mu.Unlock()
		return newErr(ErrCodePhaseNotFound, fmt.Sprintf("unknown phase %q", phaseID), nil)
	}
	fn(ps)

	if err := k.runActivationPass(ctx, entry); err != nil {
		entry.mu.Unlock()
		return err
	}
	events, summary := k.drain(entry)
	entry.mu.Unlock()

	k.dispatch(ctx, events, summary)
	return nil
}

// runActivationPass drives the three-step activation algorithm, looping
// until a fixed point: (1) any pending phase whose dependencies are all
// completed and whose scenario tags (if any) are satisfied by the
// instance's metadata enters active; (2) any active
// phase whose exit gate is satisfied completes; (3) once every phase is
// completed the instance itself completes.
func (k *Kernel) runActivationPass(ctx context.Context, entry *instanceEntry) error {
	ctx, span := tracer.Start(ctx, "wfkernel.activation_pass", traceAttrs(entry.instance)...)
	defer span.End()

	def := entry.def
	inst := entry.instance

	for {
		progressed := false

		for _, p := range def.Phases {
			ps := inst.PhaseState[p.ID]
			if ps.Status != PhasePending {
				continue
			}
			if !scenarioSatisfied(p.ScenarioTags, inst.Metadata) {
				ps.Metadata["scenario_pending"] = true
				continue
			}
			if !k.dependenciesCompleted(inst, p.Dependencies) {
				continue
			}

			now := clockNow()
			ps.Status = PhaseActive
			ps.EnteredAt = &now
			delete(ps.Metadata, "scenario_pending")
			progressed = true

			phaseEnterTotal.WithLabelValues(inst.WorkflowID, p.ID).Inc()
			entry.pending = append(entry.pending, RuntimeEvent{
				Type:       EventPhaseEnter,
				InstanceID: inst.ID,
				WorkflowID: inst.WorkflowID,
				PhaseID:    p.ID,
				At:         now,
			})
		}

		for _, p := range def.Phases {
			ps := inst.PhaseState[p.ID]
			if ps.Status != PhaseActive {
				continue
			}
			if !k.exitSatisfied(ctx, p.Exit, ps) {
				continue
			}

			now := clockNow()
			ps.Status = PhaseCompleted
			ps.CompletedAt = &now
			progressed = true

			phaseCompleteTotal.WithLabelValues(inst.WorkflowID, p.ID).Inc()
			entry.pending = append(entry.pending, RuntimeEvent{
				Type:       EventPhaseComplete,
				InstanceID: inst.ID,
				WorkflowID: inst.WorkflowID,
				PhaseID:    p.ID,
				At:         now,
			})
		}

		if !progressed {
			break
		}
	}

	inst.ActivePhases = inst.ActivePhases[:0]
	allCompleted := true
	for _, p := range def.Phases {
		ps := inst.PhaseState[p.ID]
		if ps.Status == PhaseActive {
			inst.ActivePhases = append(inst.ActivePhases, p.ID)
		}
		if ps.Status != PhaseCompleted {
			allCompleted = false
		}
	}

	if allCompleted && inst.Status == InstanceRunning {
		inst.Status = InstanceCompleted
		entry.pending = append(entry.pending, RuntimeEvent{
			Type:       EventWorkflowCompleted,
			InstanceID: inst.ID,
			WorkflowID: inst.WorkflowID,
			At:         clockNow(),
		})
	}

	return nil
}

func (k *Kernel) dependenciesCompleted(inst *WorkflowInstance, deps []string) bool {
	for _, dep := range deps {
		if inst.PhaseState[dep].Status != PhaseCompleted {
			return false
		}
	}
	return true
}

// scenarioSatisfied gates a phase by the instance's classified scenario
// set: a phase with no scenario tags always qualifies; otherwise the
// instance metadata key "scenario" ([]string) must intersect the phase's
// tags.
func scenarioSatisfied(phaseTags []string, metadata map[string]any) bool {
	if len(phaseTags) == 0 {
		return true
	}
	raw, ok := metadata["scenario"]
	if !ok {
		return false
	}
	active, ok := raw.([]string)
	if !ok {
		return false
	}
	activeSet := make(map[string]bool, len(active))
	for _, t := range active {
		activeSet[t] = true
	}
	for _, t := range phaseTags {
		if activeSet[t] {
			return true
		}
	}
	return false
}

func (k *Kernel) exitSatisfied(ctx context.Context, gate ExitGate, ps *PhaseRuntimeState) bool {
	_, span := tracer.Start(ctx, "wfkernel.exit_check")
	defer span.End()

	for _, d := range gate.RequireDecisions {
		if !ps.Decisions[d] {
			return false
		}
	}
	for _, a := range gate.RequireArtifacts {
		if _, ok := ps.Artifacts[a]; !ok {
			return false
		}
	}
	for _, label := range gate.RequireTasksCreated {
		if !hasTrackedTaskLabel(ps, label) {
			return false
		}
	}
	for _, label := range gate.RequireTasksCompleted {
		if !hasTrackedTaskLabelWithStatus(ps, label, "completed") {
			return false
		}
	}
	if len(ps.OpenDefects) > gate.RequireDefectsOpenMax {
		return false
	}
	return true
}

func hasTrackedTaskLabel(ps *PhaseRuntimeState, label string) bool {
	for _, tt := range ps.TrackedTasks {
		for _, l := range tt.Labels {
			if l == label {
				return true
			}
		}
	}
	return false
}

func hasTrackedTaskLabelWithStatus(ps *PhaseRuntimeState, label, status string) bool {
	for _, tt := range ps.TrackedTasks {
		if tt.Status != status {
			continue
		}
		for _, l := range tt.Labels {
			if l == label {
				return true
			}
		}
	}
	return false
}

func (k *Kernel) emit(ctx context.Context, ev RuntimeEvent) {
	if k.bus != nil {
		k.bus.Publish(wfevents.TopicWorkflowEvent, ev)
	}
	wflog.L().Debug("wfkernel event", "type", ev.Type, "instance", ev.InstanceID, "phase", ev.PhaseID)
}

// drain takes entry's accumulated lifecycle events and a summary
// snapshot while the caller still holds entry.mu; the caller unlocks and
// then passes the result to dispatch. Splitting capture from publish this
// way keeps event delivery entirely outside the per-instance lock.
func (k *Kernel) drain(entry *instanceEntry) ([]RuntimeEvent, Summary) {
	events := entry.pending
	entry.pending = nil
	inst := entry.instance
	summary := Summary{
		ID:         inst.ID,
		WorkflowID: inst.WorkflowID,
		Status:     inst.Status,
		Active:     append([]string(nil), inst.ActivePhases...),
	}
	return events, summary
}

// dispatch publishes events and the instance summary. Call only after
// releasing the owning instanceEntry's mutex.
func (k *Kernel) dispatch(ctx context.Context, events []RuntimeEvent, summary Summary) {
	for _, ev := range events {
		k.emit(ctx, ev)
	}
	if k.bus != nil {
		k.bus.Publish(wfevents.TopicWorkflowInstancesUpdate, summary)
	}
}

func traceAttrs(inst *WorkflowInstance) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("workflow.instance_id", inst.ID),
			attribute.String("workflow.id", inst.WorkflowID),
		),
	}
}

var clockNow = time.Now

var idCounter struct {
	mu sync.Mutex
	n  uint64
}

// newID generates a process-unique, monotonically increasing suffix for
// instance ids.
func newID() string {
	idCounter.mu.Lock()
	defer idCounter.mu.Unlock()
	idCounter.n++
	return fmt.Sprintf("%d-%d", clockNow().UnixNano(), idCounter.n)
}
