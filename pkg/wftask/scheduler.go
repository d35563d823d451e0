package wftask

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wflog"
)

// Scheduler implements the Task Scheduler component: task
// creation, least-loaded assignment gated by a per-task lock, timeout
// sweeping, retries, and dependency unblocking.
type Scheduler struct {
	tasks  TaskStore
	agents AgentStore
	locks  LockTable
	bus    *wfevents.Bus

	lockTTL        time.Duration
	tickInterval   time.Duration
	timeoutCheck   time.Duration
	defaultTimeout time.Duration
}

// Config configures a Scheduler. Zero values take the documented
// defaults.
type Config struct {
	LockTTL        time.Duration
	TickInterval   time.Duration
	TimeoutCheck   time.Duration
	DefaultTimeout time.Duration
}

// New constructs a Scheduler over the given stores and lock table.
func New(tasks TaskStore, agents AgentStore, locks LockTable, bus *wfevents.Bus, cfg Config) *Scheduler {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.TimeoutCheck == 0 {
		cfg.TimeoutCheck = 10 * time.Second
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	return &Scheduler{
		tasks: tasks, agents: agents, locks: locks, bus: bus,
		lockTTL: cfg.LockTTL, tickInterval: cfg.TickInterval,
		timeoutCheck: cfg.TimeoutCheck, defaultTimeout: cfg.DefaultTimeout,
	}
}

func (s *Scheduler) publishTasksUpdate(tasks ...*Task) {
	if s.bus == nil || len(tasks) == 0 {
		return
	}
	s.bus.Publish(wfevents.TopicTasksUpdate, tasks)
}

// DependenciesSatisfied reports whether every dependency id of t is
// completed. Exported for the agent
// runtime, which re-checks this before claiming a task directly assigned
// without going through AssignmentPass.
func (s *Scheduler) DependenciesSatisfied(ctx context.Context, t *Task) (bool, error) {
	return s.dependenciesSatisfied(ctx, t)
}

// dependenciesSatisfied reports whether every dependency id of t is
// completed.
func (s *Scheduler) dependenciesSatisfied(ctx context.Context, t *Task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, err := s.tasks.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// CreateTask inserts a new task with its computed initial status.
func (s *Scheduler) CreateTask(ctx context.Context, in Input) (*Task, error) {
	initial := StatusPending
	if len(in.Dependencies) > 0 {
		initial = StatusBlocked
		// A task with no yet-created dependencies cannot be verified
		// satisfied; CreateTask always blocks when dependencies are
		// declared and relies on the unblocking pass once they complete.
	}
	t := NewTask(in, initial)
	if err := s.tasks.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publishTasksUpdate(t)
	return t, nil
}

// CreateTaskOnceByLabel returns the existing task carrying uniqueLabel, or
// creates one if none exists yet. This is the idempotent spawn primitive
// plugins use to avoid duplicate task creation.
func (s *Scheduler) CreateTaskOnceByLabel(ctx context.Context, uniqueLabel string, in Input) (*Task, error) {
	if existing, err := s.tasks.FindTaskByLabel(ctx, uniqueLabel); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	in.Labels = append(append([]string(nil), in.Labels...), uniqueLabel)
	return s.CreateTask(ctx, in)
}

// UpdateTaskStatus performs a checked status transition.
func (s *Scheduler) UpdateTaskStatus(ctx context.Context, id string, next Status, reason string) error {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, next) {
		wflog.L().Warn("wftask: rejected illegal transition", "task", id, "from", t.Status, "to", next)
		return newErr(ErrCodeInvalidTransition, string(t.Status)+"->"+string(next), nil)
	}

	t.Status = next
	t.StatusUpdatedAt = time.Now()
	t.UpdatedAt = t.StatusUpdatedAt
	if next == StatusRunning {
		now := time.Now()
		t.LastStartedAt = &now
	}
	if reason != "" {
		t.FailureReason = reason
	}
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publishTasksUpdate(t)
	return nil
}

// CompleteTask marks a task completed and runs the dependency unblocking
// pass.
func (s *Scheduler) CompleteTask(ctx context.Context, id, resultSummary, resultDetails string) error {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, StatusCompleted) {
		return newErr(ErrCodeInvalidTransition, string(t.Status)+"->completed", nil)
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.StatusUpdatedAt = now
	t.UpdatedAt = now
	t.ResultSummary = resultSummary
	t.ResultDetails = resultDetails
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publishTasksUpdate(t)

	unblocked, err := s.unblockDependents(ctx)
	if err != nil {
		return err
	}
	s.publishTasksUpdate(unblocked...)
	return nil
}

// FailTask marks a task failed terminally.
func (s *Scheduler) FailTask(ctx context.Context, id, reason string) error {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, StatusFailed) {
		return newErr(ErrCodeInvalidTransition, string(t.Status)+"->failed", nil)
	}
	now := time.Now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.StatusUpdatedAt = now
	t.UpdatedAt = now
	t.FailureReason = reason
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publishTasksUpdate(t)
	return nil
}

// AddTaskLabels appends labels to a task, for plugin reuse (e.g.
// agent_exclude:<id>).
func (s *Scheduler) AddTaskLabels(ctx context.Context, id string, labels ...string) error {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	t.AddLabels(labels...)
	return s.tasks.UpdateTask(ctx, t)
}

// ListTasks returns every known task, for plugin reuse (e.g. the
// auto-task plugin's startup requeue pass).
func (s *Scheduler) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.tasks.ListTasks(ctx)
}

// GetTask returns a task by id, for plugin reuse.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.tasks.GetTask(ctx, id)
}

// FindTaskByLabel returns the first task carrying label, if any, for
// plugin reuse.
func (s *Scheduler) FindTaskByLabel(ctx context.Context, label string) (*Task, error) {
	return s.tasks.FindTaskByLabel(ctx, label)
}

// HasEligibleAgent reports whether at least one enabled, online agent
// satisfies role (or any role, if role is empty). The auto-task plugin
// uses this to decide whether to fall back to a human_required task.
func (s *Scheduler) HasEligibleAgent(ctx context.Context, role string) (bool, error) {
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range agents {
		if !a.IsEnabled || a.Status != AgentOnline {
			continue
		}
		if role == "" || a.HasRole(role) {
			return true, nil
		}
	}
	return false, nil
}

// AssignTaskDirectly transitions a task straight to assigned for agentID,
// bypassing the least-loaded selection pass — used when a caller already
// knows which agent must handle the task (e.g. the message-policy
// plugin's mention interrupt).
func (s *Scheduler) AssignTaskDirectly(ctx context.Context, id, agentID string) error {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	if t.Status == StatusPending {
		if !CanTransition(t.Status, StatusQueued) {
			return newErr(ErrCodeInvalidTransition, string(t.Status)+"->queued", nil)
		}
		t.Status = StatusQueued
	}
	if !CanTransition(t.Status, StatusAssigned) {
		return newErr(ErrCodeInvalidTransition, string(t.Status)+"->assigned", nil)
	}
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.StatusUpdatedAt = now
	t.UpdatedAt = now
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publishTasksUpdate(t)
	return nil
}

// ReleaseTaskClaim releases the task's lock if held by holderID, for
// plugin reuse (e.g. requeuing stale auto-tasks on startup).
func (s *Scheduler) ReleaseTaskClaim(ctx context.Context, id, holderID string) error {
	return s.locks.Release(ctx, TaskLockResource(id), holderID)
}

// ReleaseAllClaims releases every lock held by holderID, the agent
// shutdown contract: a stopping agent must not leave claims behind for
// the TTL to clean up.
func (s *Scheduler) ReleaseAllClaims(ctx context.Context, holderID string) error {
	return s.locks.ReleaseAll(ctx, holderID)
}

// AcquireTaskClaim attempts to acquire a task's lock for holderID, for
// callers that assign themselves directly rather than through
// AssignmentPass (the agent runtime's tasks_update-driven claim).
func (s *Scheduler) AcquireTaskClaim(ctx context.Context, id, holderID, sessionID string) (bool, error) {
	return s.locks.Acquire(ctx, TaskLockResource(id), holderID, sessionID, s.lockTTL)
}

// RequeueWithExclusion transitions a running task back to pending and
// excludes holderID from future assignment, the task-takeover path: the
// next assignment pass may then pick a different eligible agent, or
// leave the task pending if none remain.
func (s *Scheduler) RequeueWithExclusion(ctx context.Context, id, holderID string) error {
	t, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, StatusPending) {
		return newErr(ErrCodeInvalidTransition, string(t.Status)+"->pending", nil)
	}
	t.Status = StatusPending
	t.AssignedTo = ""
	t.StatusUpdatedAt = time.Now()
	t.UpdatedAt = t.StatusUpdatedAt
	t.AddLabels("agent_exclude:" + holderID)
	if err := s.tasks.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publishTasksUpdate(t)
	return nil
}

// unblockDependents transitions blocked tasks whose dependencies are all
// completed back to pending.
func (s *Scheduler) unblockDependents(ctx context.Context) ([]*Task, error) {
	all, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	var unblocked []*Task
	for _, t := range all {
		if t.Status != StatusBlocked {
			continue
		}
		ok, err := s.dependenciesSatisfied(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		t.Status = StatusPending
		t.StatusUpdatedAt = time.Now()
		t.UpdatedAt = t.StatusUpdatedAt
		if err := s.tasks.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
		unblocked = append(unblocked, t)
	}
	return unblocked, nil
}

// roleFromLabels derives the required role from "workflow_role:<role>" or
// "role:<role>" labels. Empty means any enabled role matches.
func roleFromLabels(labels []string) string {
	for _, l := range labels {
		if role, ok := strings.CutPrefix(l, "workflow_role:"); ok {
			return role
		}
		if role, ok := strings.CutPrefix(l, "role:"); ok {
			return role
		}
	}
	return ""
}

func excludedAgents(labels []string) map[string]bool {
	excluded := make(map[string]bool)
	for _, l := range labels {
		if id, ok := strings.CutPrefix(l, "agent_exclude:"); ok {
			excluded[id] = true
		}
	}
	return excluded
}

// AgentLoad counts tasks assigned to or owned by agentID in non-terminal
// statuses, the scheduler's load function.
func AgentLoad(tasks []*Task, agentID string) int {
	n := 0
	for _, t := range tasks {
		if t.AssignedTo == agentID && !t.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// SelectAgent picks the least-loaded enabled online agent whose roles
// satisfy role (or any role, if empty) and whose id is not excluded,
// tie-broken by earliest StatusUpdatedAt. Returns nil if none match —
// this is a pure function over a snapshot so it is unit-testable without
// a live scheduler.
func SelectAgent(agents []*Agent, tasks []*Task, role string, excluded map[string]bool) *Agent {
	var candidates []*Agent
	for _, a := range agents {
		if !a.IsEnabled || a.Status != AgentOnline {
			continue
		}
		if excluded[a.ID] {
			continue
		}
		if role != "" && !a.HasRole(role) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := AgentLoad(tasks, candidates[i].ID), AgentLoad(tasks, candidates[j].ID)
		if li != lj {
			return li < lj
		}
		return candidates[i].StatusUpdatedAt.Before(candidates[j].StatusUpdatedAt)
	})
	return candidates[0]
}

// AssignmentPass runs one cycle of the assignment algorithm:
// pending tasks in priority order, eligible dependency-satisfied ones
// matched to the least-loaded capable agent, claimed via lock.
func (s *Scheduler) AssignmentPass(ctx context.Context) error {
	all, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return err
	}
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return err
	}

	var pending []*Task
	for _, t := range all {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		pi, pj := priorityRank(pending[i].Priority), priorityRank(pending[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	var assigned []*Task
	for _, t := range pending {
		ok, err := s.dependenciesSatisfied(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		role := roleFromLabels(t.Labels)
		excluded := excludedAgents(t.Labels)
		agent := SelectAgent(agents, all, role, excluded)
		if agent == nil {
			continue // NoAgentAvailable: stays pending, retried next tick.
		}

		got, err := s.locks.Acquire(ctx, TaskLockResource(t.ID), agent.ID, t.SessionID, s.lockTTL)
		if err != nil {
			return err
		}
		if !got {
			continue // LockContention: soft error, skip this iteration.
		}

		t.Status = StatusAssigned
		t.AssignedTo = agent.ID
		t.StatusUpdatedAt = time.Now()
		t.UpdatedAt = t.StatusUpdatedAt
		if err := s.tasks.UpdateTask(ctx, t); err != nil {
			return err
		}
		assigned = append(assigned, t)
	}

	s.publishTasksUpdate(assigned...)
	return nil
}

// TimeoutRecord describes a task that was requeued or failed by the
// timeout sweep.
type TimeoutRecord struct {
	TaskID   string
	Requeued bool
}

// TimeoutSweep fails or requeues running tasks that exceeded their
// timeout.
func (s *Scheduler) TimeoutSweep(ctx context.Context) ([]TimeoutRecord, error) {
	all, err := s.tasks.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var records []TimeoutRecord
	var touched []*Task
	for _, t := range all {
		if t.Status != StatusRunning || t.LastStartedAt == nil {
			continue
		}
		timeout := s.defaultTimeout
		if t.TimeoutSeconds != nil {
			timeout = time.Duration(*t.TimeoutSeconds) * time.Second
		}
		if now.Sub(*t.LastStartedAt) <= timeout {
			continue
		}

		holder := t.AssignedTo
		maxRetries := 0
		if t.MaxRetries != nil {
			maxRetries = *t.MaxRetries
		}
		if t.RetryCount < maxRetries {
			t.Status = StatusPending
			t.AssignedTo = ""
			t.RetryCount++
			t.StatusUpdatedAt = now
			t.UpdatedAt = now
			records = append(records, TimeoutRecord{TaskID: t.ID, Requeued: true})
		} else {
			t.Status = StatusFailed
			t.CompletedAt = &now
			t.FailureReason = "timeout"
			t.StatusUpdatedAt = now
			t.UpdatedAt = now
			records = append(records, TimeoutRecord{TaskID: t.ID, Requeued: false})
		}
		if err := s.tasks.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
		// Drop the stale claim so the next assignment pass is not blocked
		// until the lock's TTL expires.
		if holder != "" {
			if err := s.locks.Release(ctx, TaskLockResource(t.ID), holder); err != nil {
				wflog.L().Warn("wftask: releasing timed-out claim failed", "task", t.ID, "holder", holder, "error", err)
			}
		}
		touched = append(touched, t)
	}
	s.publishTasksUpdate(touched...)
	return records, nil
}

// Run starts the periodic assignment and timeout-sweep workers. It blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.AssignmentPass(gctx); err != nil {
					wflog.L().Error("wftask: assignment pass failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.timeoutCheck)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.TimeoutSweep(gctx); err != nil {
					wflog.L().Error("wftask: timeout sweep failed", "error", err)
				}
			}
		}
	})

	return g.Wait()
}
