package wfagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

// requirementAnalysisIntent is the Task.Intent value that routes a task
// to the structured-decomposition planner instead of the generic
// tool loop.
const requirementAnalysisIntent = "requirement_analysis"

const genericSystemPrompt = "You are an autonomous software-engineering agent. Use the available tools to complete the task, then reply with a final summary and no further tool calls."

const requirementAnalysisSystemPrompt = "Decompose the requirement into an ordered JSON array of subtasks. Each element has title, intent, scope, role, and depends_on (indices into this array of earlier elements it depends on). Reply with JSON only."

const voteSystemPrompt = "You are casting a governance vote. Reply with exactly one word: approve, reject, or abstain."

const approvalSystemPrompt = "You are resolving a pending approval request. Reply with exactly one word: approve or reject."

// Error is an agent-runtime domain error with a stable Code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wfagent: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("wfagent: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	ErrCodeDecompositionFailed = "decomposition_failed"
	ErrCodeIterationBoundHit   = "iteration_bound_hit"
)

func newErr(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Config configures a Runtime. Zero values take the documented
// defaults.
type Config struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxIterations     int
	TokenBudget       int
	// DisableTakeover skips the task-takeover path on executor failure,
	// calling FailTask directly instead of requesting an approval. Off by
	// default.
	DisableTakeover bool
}

// Runtime is one agent's execution loop: registration and heartbeat,
// tasks_update-driven claim-and-execute, and the self-governance
// watchers.
type Runtime struct {
	id    string
	roles []string

	llm      LLMClient
	tools    ToolInvoker
	toolDefs []ToolDefinition
	counter  *TokenCounter

	tasks  *wftask.Scheduler
	agents wftask.AgentStore
	gov    *wfgovernance.Service
	events *wfevents.Bus

	heartbeatInterval time.Duration
	pollInterval      time.Duration
	maxIterations     int
	tokenBudget       int
	disableTakeover   bool
}

// New constructs a Runtime for agent id, wired against the shared
// scheduler, agent store, governance service, and event bus.
func New(
	id string,
	roles []string,
	llm LLMClient,
	tools ToolInvoker,
	toolDefs []ToolDefinition,
	tasks *wftask.Scheduler,
	agents wftask.AgentStore,
	gov *wfgovernance.Service,
	events *wfevents.Bus,
	cfg Config,
) (*Runtime, error) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 20
	}
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}

	counter, err := NewTokenCounter(llm.ModelName())
	if err != nil {
		return nil, err
	}

	return &Runtime{
		id: id, roles: roles,
		llm: llm, tools: tools, toolDefs: toolDefs, counter: counter,
		tasks: tasks, agents: agents, gov: gov, events: events,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollInterval:      cfg.PollInterval,
		maxIterations:     cfg.MaxIterations,
		tokenBudget:       cfg.TokenBudget,
		disableTakeover:   cfg.DisableTakeover,
	}, nil
}

// ID returns the runtime's agent id.
func (r *Runtime) ID() string { return r.id }

// Run registers the agent with the store, subscribes to tasks_update and
// the governance topics, and blocks running the heartbeat and
// self-governance poll loops until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}

	unsubTasks := wfevents.Subscribe(r.events, wfevents.TopicTasksUpdate, r.handleTasksUpdate)
	unsubVotes := wfevents.Subscribe(r.events, wfevents.TopicVotesUpdate, func([]*wfgovernance.VoteTopic) { r.pollVotes(ctx) })
	unsubApprovals := wfevents.Subscribe(r.events, wfevents.TopicApprovalsUpdate, func([]*wfgovernance.Approval) { r.pollApprovals(ctx) })
	defer unsubTasks()
	defer unsubVotes()
	defer unsubApprovals()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.governancePollLoop(gctx) })
	err := g.Wait()

	// On stop: mark offline and release every held lock. Use a fresh
	// context — ctx is already done.
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.markOffline(sctx)
	if rerr := r.tasks.ReleaseAllClaims(sctx, r.id); rerr != nil {
		wflog.L().Warn("wfagent: releasing claims on stop failed", "agent", r.id, "error", rerr)
	}
	return err
}

func (r *Runtime) markOffline(ctx context.Context) {
	a, err := r.agents.GetAgent(ctx, r.id)
	if err != nil {
		return
	}
	a.Status = wftask.AgentOffline
	a.StatusUpdatedAt = time.Now()
	if err := r.agents.UpdateAgent(ctx, a); err != nil {
		wflog.L().Warn("wfagent: offline transition failed", "agent", r.id, "error", err)
	}
}

func (r *Runtime) register(ctx context.Context) error {
	a, err := r.agents.GetAgent(ctx, r.id)
	if err != nil {
		a = &wftask.Agent{ID: r.id}
	}
	a.Roles = r.roles
	a.Status = wftask.AgentOnline
	a.IsEnabled = true
	a.LastHeartbeatAt = time.Now()
	a.StatusUpdatedAt = time.Now()
	return r.agents.UpdateAgent(ctx, a)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.register(ctx); err != nil {
				wflog.L().Error("wfagent: heartbeat failed", "agent", r.id, "error", err)
			}
		}
	}
}

func (r *Runtime) governancePollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollVotes(ctx)
			r.pollApprovals(ctx)
		}
	}
}

// handleTasksUpdate reacts to tasks_update: for each task newly assigned
// to this agent, it attempts to claim the task's lock and, on success,
// runs the executor. Execution runs off the event
// bus's calling goroutine so a slow or blocking executor never delays
// delivery to sibling subscribers.
func (r *Runtime) handleTasksUpdate(tasks []*wftask.Task) {
	for _, t := range tasks {
		if t.AssignedTo != r.id || t.Status != wftask.StatusAssigned {
			continue
		}
		go r.tryClaim(context.Background(), t.ID)
	}
}

func (r *Runtime) tryClaim(ctx context.Context, taskID string) {
	t, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		wflog.L().Warn("wfagent: claim lookup failed", "task", taskID, "error", err)
		return
	}
	if t.AssignedTo != r.id || t.Status != wftask.StatusAssigned {
		return
	}

	ok, err := r.tasks.DependenciesSatisfied(ctx, t)
	if err != nil {
		wflog.L().Warn("wfagent: dependency check failed", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	got, err := r.tasks.AcquireTaskClaim(ctx, t.ID, r.id, t.SessionID)
	if err != nil {
		wflog.L().Warn("wfagent: lock acquire failed", "task", t.ID, "error", err)
		return
	}
	if !got {
		return // LockContention: soft error, the next delivery retries.
	}

	r.runTask(ctx, t)
}

func (r *Runtime) runTask(ctx context.Context, t *wftask.Task) {
	defer func() {
		if err := r.tasks.ReleaseTaskClaim(ctx, t.ID, r.id); err != nil {
			wflog.L().Warn("wfagent: release claim failed", "task", t.ID, "error", err)
		}
	}()

	if err := r.tasks.UpdateTaskStatus(ctx, t.ID, wftask.StatusRunning, ""); err != nil {
		wflog.L().Error("wfagent: start transition failed", "task", t.ID, "error", err)
		return
	}
	wflog.L().Debug("wfagent: executor started", "task", t.ID, "agent", r.id, "intent", t.Intent)

	summary, err := r.execute(ctx, t)
	if err != nil {
		r.handleFailure(ctx, t, err)
		return
	}

	if err := r.tasks.CompleteTask(ctx, t.ID, summary, ""); err != nil {
		wflog.L().Error("wfagent: complete task failed", "task", t.ID, "error", err)
		return
	}
	if t.ParentTaskID == "" {
		r.gov.Notify(ctx, t.SessionID, wfgovernance.NotificationInfo,
			fmt.Sprintf("task %s completed: %s", t.ID, summary),
			map[string]any{"task_id": t.ID, "root_task_summary": true})
	}
}

// handleFailure implements the task-takeover path: unless
// disabled, it creates an approval with approver "user" and requeues the
// task excluding this agent; otherwise it fails the task terminally.
func (r *Runtime) handleFailure(ctx context.Context, t *wftask.Task, cause error) {
	wflog.L().Warn("wfagent: executor failed", "task", t.ID, "agent", r.id, "error", cause)

	if !r.disableTakeover && r.gov != nil {
		if _, err := r.gov.CreateApproval(ctx, t.ID, r.id, "user"); err == nil {
			if err := r.tasks.RequeueWithExclusion(ctx, t.ID, r.id); err != nil {
				wflog.L().Error("wfagent: requeue after takeover failed", "task", t.ID, "error", err)
			}
			return
		}
	}

	if err := r.tasks.FailTask(ctx, t.ID, cause.Error()); err != nil {
		wflog.L().Error("wfagent: fail task failed", "task", t.ID, "error", err)
	}
}

func (r *Runtime) execute(ctx context.Context, t *wftask.Task) (string, error) {
	if t.Intent == requirementAnalysisIntent {
		return r.executeRequirementAnalysis(ctx, t)
	}
	if _, ok := t.Metadata["automation"]; ok {
		return r.executeAutomation(ctx, t)
	}
	return r.executeGenericLoop(ctx, t)
}

// executeAutomation runs a task's metadata.automation command directly
// through the tool invoker instead of the generic LLM loop, for tasks a
// generator already scripted deterministically.
func (r *Runtime) executeAutomation(ctx context.Context, t *wftask.Task) (string, error) {
	var spec wftask.AutomationSpec
	if err := t.DecodeMetadataKey("automation", &spec); err != nil {
		return "", fmt.Errorf("wfagent: decode automation spec: %w", err)
	}
	if spec.Command == "" {
		return r.executeGenericLoop(ctx, t)
	}
	wflog.L().Debug("wfagent: running automation command", "task", t.ID, "command", spec.Command)
	out := r.invokeTool(ctx, ToolCall{Name: "shell", Arguments: map[string]any{"command": spec.Command}})
	return out, nil
}

// executeGenericLoop runs the bounded LLM-with-tools loop: each
// iteration trims the conversation to the token budget, calls Chat, and
// either returns the final text or executes the requested tool calls and
// loops again.
func (r *Runtime) executeGenericLoop(ctx context.Context, t *wftask.Task) (string, error) {
	messages := []Message{
		{Role: "system", Content: genericSystemPrompt},
		{Role: "user", Content: strings.TrimSpace(t.Title + "\n\n" + t.Scope)},
	}

	for i := 0; i < r.maxIterations; i++ {
		trimmed := r.counter.FitWithinLimit(messages, r.tokenBudget)
		result, err := r.llm.Chat(ctx, trimmed, r.toolDefs)
		if err != nil {
			return "", err
		}
		if len(result.ToolCalls) == 0 {
			return result.Text, nil
		}

		messages = append(messages, Message{Role: "assistant", Content: result.Text, ToolCalls: result.ToolCalls})
		for _, call := range result.ToolCalls {
			wflog.L().Debug("wfagent: thinking step", "task", t.ID, "tool", call.Name, "iteration", i)
			out := r.invokeTool(ctx, call)
			messages = append(messages, Message{Role: "tool", Content: out, ToolCallID: call.ID, Name: call.Name})
		}
	}
	return "", newErr(ErrCodeIterationBoundHit, fmt.Sprintf("task %s exceeded %d tool-loop iterations", t.ID, r.maxIterations), nil)
}

func (r *Runtime) invokeTool(ctx context.Context, call ToolCall) string {
	if r.tools == nil {
		return "no tool invoker configured"
	}
	out, err := r.tools.Invoke(ctx, call)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

// decompositionStep is one element of the planner's structured JSON
// reply.
type decompositionStep struct {
	Title     string `json:"title"`
	Intent    string `json:"intent"`
	Scope     string `json:"scope"`
	Role      string `json:"role"`
	DependsOn []int  `json:"depends_on"`
}

// executeRequirementAnalysis asks the LLM for a JSON decomposition and
// creates one child task per step, wiring Dependencies by index into the
// already-created siblings.
func (r *Runtime) executeRequirementAnalysis(ctx context.Context, t *wftask.Task) (string, error) {
	messages := []Message{
		{Role: "system", Content: requirementAnalysisSystemPrompt},
		{Role: "user", Content: strings.TrimSpace(t.Title + "\n\n" + t.Scope)},
	}
	result, err := r.llm.Chat(ctx, messages, nil)
	if err != nil {
		return "", err
	}

	var steps []decompositionStep
	if err := json.Unmarshal([]byte(extractJSONArray(result.Text)), &steps); err != nil {
		return "", newErr(ErrCodeDecompositionFailed, "requirement decomposition reply was not valid JSON", err)
	}

	ids := make([]string, len(steps))
	for i, step := range steps {
		var deps []string
		for _, di := range step.DependsOn {
			if di >= 0 && di < i {
				deps = append(deps, ids[di])
			}
		}
		var labels []string
		if step.Role != "" {
			labels = append(labels, "workflow_role:"+step.Role)
		}
		child, err := r.tasks.CreateTask(ctx, wftask.Input{
			SessionID:    t.SessionID,
			Title:        step.Title,
			Intent:       step.Intent,
			Scope:        step.Scope,
			ParentTaskID: t.ID,
			Dependencies: deps,
			Labels:       labels,
		})
		if err != nil {
			return "", err
		}
		ids[i] = child.ID
	}

	return fmt.Sprintf("decomposed into %d subtasks", len(steps)), nil
}

// extractJSONArray trims any leading/trailing prose around a JSON array
// a model may add despite being asked for JSON only.
func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

func (r *Runtime) pollVotes(ctx context.Context) {
	topics := r.gov.ListPendingVoteTopicsForRoles(r.roles)
	for _, topic := range topics {
		if _, voted := topic.Votes[r.id]; voted {
			continue
		}
		ballot := r.decideBallot(ctx, topic)
		eligible := r.eligibleVoterCount(ctx, topic.RequiredRoles)
		if _, err := r.gov.CastVote(ctx, topic.ID, r.id, ballot, eligible); err != nil {
			wflog.L().Warn("wfagent: cast vote failed", "topic", topic.ID, "agent", r.id, "error", err)
		}
	}
}

func (r *Runtime) eligibleVoterCount(ctx context.Context, roles []string) int {
	agents, err := r.agents.ListAgents(ctx)
	if err != nil {
		return 0
	}
	if len(roles) == 0 {
		return len(agents)
	}
	n := 0
	for _, a := range agents {
		for _, role := range roles {
			if a.HasRole(role) {
				n++
				break
			}
		}
	}
	return n
}

func (r *Runtime) decideBallot(ctx context.Context, topic *wfgovernance.VoteTopic) wfgovernance.Ballot {
	messages := []Message{
		{Role: "system", Content: voteSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Vote topic %s (rule: %s).", topic.ID, topic.VoteType)},
	}
	result, err := r.llm.Chat(ctx, messages, nil)
	if err != nil {
		wflog.L().Warn("wfagent: vote decision failed", "topic", topic.ID, "error", err)
		return wfgovernance.BallotAbstain
	}
	return parseBallot(result.Text)
}

func parseBallot(text string) wfgovernance.Ballot {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "approve"):
		return wfgovernance.BallotApprove
	case strings.Contains(lower, "reject"):
		return wfgovernance.BallotReject
	default:
		return wfgovernance.BallotAbstain
	}
}

func (r *Runtime) pollApprovals(ctx context.Context) {
	pending := r.gov.ListPendingApprovalsFor(r.id)
	for _, a := range pending {
		decision := r.decideApproval(ctx, a)
		if _, err := r.gov.ResolveApproval(ctx, a.ID, decision); err != nil {
			wflog.L().Warn("wfagent: resolve approval failed", "approval", a.ID, "agent", r.id, "error", err)
		}
	}
}

func (r *Runtime) decideApproval(ctx context.Context, a *wfgovernance.Approval) wfgovernance.ApprovalDecision {
	messages := []Message{
		{Role: "system", Content: approvalSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Approval %s for task %s requested by %s.", a.ID, a.TaskID, a.CreatedBy)},
	}
	result, err := r.llm.Chat(ctx, messages, nil)
	if err != nil {
		wflog.L().Warn("wfagent: approval decision failed", "approval", a.ID, "error", err)
		return wfgovernance.ApprovalRejected
	}
	if strings.Contains(strings.ToLower(result.Text), "approve") {
		return wfgovernance.ApprovalApproved
	}
	return wfgovernance.ApprovalRejected
}
