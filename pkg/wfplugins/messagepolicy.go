package wfplugins

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/arranger/pkg/wfbus"
	"github.com/kadirpekel/arranger/pkg/wfevents"
	"github.com/kadirpekel/arranger/pkg/wfgovernance"
	"github.com/kadirpekel/arranger/pkg/wflog"
	"github.com/kadirpekel/arranger/pkg/wftask"
)

// Message is a blackboard entry: a user or agent post, optionally
// @-mentioning other agents, classified into a scenario and routed by
// the message_router policy table. User posts carry
// AuthorID "user"; agent posts carry the agent's id.
type Message struct {
	ID          string
	SessionID   string
	AuthorID    string
	MessageType string
	Content     string
	Tags        []string
	Mentions    []string
	Priority    string
	CreatedAt   time.Time
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ParseMentions extracts @agent-id mentions from content, for callers
// constructing a Message.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// classifierRule is one row of the scenario classification table.
// Higher Priority wins ties when a message matches more than one rule's keywords.
type classifierRule struct {
	Scenario string
	Keywords []string
	Priority int
}

// ScenarioTable is the process-wide, immutable-after-init message
// classification table.
var ScenarioTable = []classifierRule{
	{Scenario: "ops_hotfix", Priority: 40, Keywords: []string{"hotfix", "incident", "outage", "down", "紧急"}},
	{Scenario: "bug_fix", Priority: 30, Keywords: []string{"bug", "fix", "broken", "修复", "故障"}},
	{Scenario: "test_request", Priority: 30, Keywords: []string{"test", "测试"}},
	{Scenario: "optimization", Priority: 20, Keywords: []string{"optimi", "performance", "slow", "优化"}},
	{Scenario: "refactor", Priority: 20, Keywords: []string{"refactor", "重构"}},
	{Scenario: "doc_work", Priority: 20, Keywords: []string{"doc", "documentation", "文档"}},
	{Scenario: "new_feature", Priority: 10, Keywords: []string{"feature", "需求", "新功能"}},
}

// classifyScenario returns the best-matching scenario for content, or
// "discussion" when nothing matches — the classifier's fallback bucket.
func classifyScenario(content string) string {
	lower := strings.ToLower(content)
	best, bestPriority := "discussion", -1
	for _, rule := range ScenarioTable {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) && rule.Priority > bestPriority {
				best, bestPriority = rule.Scenario, rule.Priority
				break
			}
		}
	}
	return best
}

// ActionType names one routing action a matched policy executes.
type ActionType string

const (
	ActionInterruptMentions ActionType = "interrupt_mentions"
	ActionCreateTask        ActionType = "create_task"
	ActionNotify            ActionType = "notify"
	ActionMarkRequirement   ActionType = "mark_requirement"
)

// PolicyConditions are a policy's match conditions; a policy matches a
// message only when every set condition holds.
type PolicyConditions struct {
	// MessageTypes, when non-empty, requires the message's type to be one
	// of these.
	MessageTypes []string
	// RequireUser requires the message to be user-authored.
	RequireUser bool
	// RequireMentions requires at least one @-mention.
	RequireMentions bool
	// Keywords must all appear in the content, case-insensitive.
	Keywords []string
	// RequireTags must all be present on the message.
	RequireTags []string
	// ExcludeTags must all be absent from the message.
	ExcludeTags []string
	// Priority, when set, must equal the message's priority exactly.
	Priority string
}

// PolicyAction is one routing action; a policy's actions execute in
// declaration order.
type PolicyAction struct {
	Type ActionType

	// Role tags a created task with workflow_role:<role> (create_task).
	Role string
	// PerMention creates one task per @-mention instead of one per
	// message (create_task).
	PerMention bool
	// TaskPriority overrides the created task's priority (create_task);
	// empty means medium.
	TaskPriority wftask.Priority
	// Level overrides the notification level (notify); empty means info.
	Level wfgovernance.NotificationLevel
}

// RouterPolicy is one row of the message_router policy table. Policies
// evaluate in descending Priority order; disabled policies are skipped.
type RouterPolicy struct {
	ID       string
	Enabled  bool
	Priority int
	Match    PolicyConditions
	Actions  []PolicyAction
}

func (p *RouterPolicy) matches(m *Message) bool {
	c := p.Match
	if len(c.MessageTypes) > 0 && !containsString(c.MessageTypes, m.MessageType) {
		return false
	}
	if c.RequireUser && m.AuthorID != "user" {
		return false
	}
	if c.RequireMentions && len(m.Mentions) == 0 {
		return false
	}
	lower := strings.ToLower(m.Content)
	for _, kw := range c.Keywords {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	for _, tag := range c.RequireTags {
		if !hasLabel(m.Tags, tag) {
			return false
		}
	}
	for _, tag := range c.ExcludeTags {
		if hasLabel(m.Tags, tag) {
			return false
		}
	}
	if c.Priority != "" && c.Priority != m.Priority {
		return false
	}
	return true
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultRouterPolicies is the built-in policy table: mention interrupts
// first, then requirement intake for everything else.
func DefaultRouterPolicies() []*RouterPolicy {
	return []*RouterPolicy{
		{
			ID: "mention_interrupt", Enabled: true, Priority: 100,
			Match:   PolicyConditions{RequireMentions: true},
			Actions: []PolicyAction{{Type: ActionInterruptMentions}},
		},
		{
			ID: "requirement_intake", Enabled: true, Priority: 50,
			Actions: []PolicyAction{{Type: ActionMarkRequirement}, {Type: ActionNotify}},
		},
	}
}

// MessagePolicyPlugin evaluates each incoming blackboard message against
// the message_router policy table: the scenario classifier adds a
// scenario:<name> tag to the message first, then enabled policies run
// in descending priority, executing their actions in order. The session's
// instance metadata picks up the scenario only through the
// mark_requirement action.
type MessagePolicyPlugin struct {
	pctx     *wfbus.Context
	policies []*RouterPolicy

	// bootstrapWorkflowID, when set, lets mark_requirement create a
	// workflow instance for sessions that do not have one yet.
	bootstrapWorkflowID string

	mu   sync.Mutex
	seen map[string]bool // policyId:messageId[:mention] already acted on
}

func NewMessagePolicyPlugin() *MessagePolicyPlugin {
	return &MessagePolicyPlugin{
		policies: DefaultRouterPolicies(),
		seen:     make(map[string]bool),
	}
}

// WithPolicies replaces the policy table. Call before Start.
func (p *MessagePolicyPlugin) WithPolicies(policies ...*RouterPolicy) *MessagePolicyPlugin {
	p.policies = policies
	return p
}

// WithWorkflowBootstrap enables instance creation from requirement
// messages against the given workflow definition. Call before Start.
func (p *MessagePolicyPlugin) WithWorkflowBootstrap(workflowID string) *MessagePolicyPlugin {
	p.bootstrapWorkflowID = workflowID
	return p
}

func (p *MessagePolicyPlugin) ID() string { return "message_policy" }

func (p *MessagePolicyPlugin) Start(ctx context.Context, pctx *wfbus.Context) error {
	p.pctx = pctx
	sort.SliceStable(p.policies, func(i, j int) bool {
		return p.policies[i].Priority > p.policies[j].Priority
	})
	wfevents.Subscribe(pctx.Events, wfevents.TopicMessagesUpdate, p.handleMessagesUpdate)
	return nil
}

func (p *MessagePolicyPlugin) Dispose() error { return nil }

func (p *MessagePolicyPlugin) handleMessagesUpdate(msgs []*Message) {
	ctx := context.Background()
	for _, m := range msgs {
		// PolicyEvaluationFailure is isolated per message.
		if err := p.evaluate(ctx, m); err != nil {
			wflog.L().Error("message_policy: evaluation failed", "message", m.ID, "error", err)
		}
	}
}

func (p *MessagePolicyPlugin) evaluate(ctx context.Context, m *Message) error {
	scenario := classifyScenario(m.Content)
	if tag := labelScenarioPrefix + scenario; !hasLabel(m.Tags, tag) {
		m.Tags = append(m.Tags, tag)
	}

	for _, policy := range p.policies {
		if !policy.Enabled || !policy.matches(m) {
			continue
		}
		for _, action := range policy.Actions {
			if err := p.runAction(ctx, policy, action, m, scenario); err != nil {
				wflog.L().Error("message_policy: action failed",
					"policy", policy.ID, "action", string(action.Type), "message", m.ID, "error", err)
			}
		}
	}
	return nil
}

func (p *MessagePolicyPlugin) runAction(ctx context.Context, policy *RouterPolicy, action PolicyAction, m *Message, scenario string) error {
	switch action.Type {
	case ActionInterruptMentions:
		for _, mention := range m.Mentions {
			if err := p.actionInterruptMentions(ctx, policy.ID, m, mention); err != nil {
				return err
			}
		}
		return nil
	case ActionCreateTask:
		return p.actionCreateTask(ctx, policy.ID, action, m, scenario)
	case ActionNotify:
		p.actionNotify(ctx, action, m, scenario)
		return nil
	case ActionMarkRequirement:
		return p.actionMarkRequirement(ctx, m, scenario)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (p *MessagePolicyPlugin) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[key] {
		return false
	}
	p.seen[key] = true
	return true
}

// dedupeKey builds the message_policy:<policyId>:<messageId>[:<mention>]
// label that makes the interrupt-mentions and create-task actions
// at-most-once per message; notify and mark_requirement are not deduped.
func dedupeKey(policyID, messageID, mention string) string {
	key := "message_policy:" + policyID + ":" + messageID
	if mention != "" {
		key += ":" + mention
	}
	return key
}

// actionInterruptMentions pauses the mentioned agent's active task (if
// any) and creates a high-priority task assigned directly to them.
// Idempotent per (policy, message, mention) via CreateTaskOnceByLabel and
// an additional local claim guarding the pause side effect.
func (p *MessagePolicyPlugin) actionInterruptMentions(ctx context.Context, policyID string, m *Message, mention string) error {
	key := dedupeKey(policyID, m.ID, mention)
	if !p.claim(key) {
		return nil
	}

	tasks, err := p.pctx.Tasks.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.AssignedTo == mention && (t.Status == wftask.StatusRunning || t.Status == wftask.StatusAssigned) {
			if err := p.pctx.Tasks.UpdateTaskStatus(ctx, t.ID, wftask.StatusPaused, "mention_interrupt:"+m.ID); err != nil {
				wflog.L().Warn("message_policy: pause active task failed", "task", t.ID, "error", err)
			}
		}
	}

	task, err := p.pctx.Tasks.CreateTaskOnceByLabel(ctx, key, wftask.Input{
		SessionID: m.SessionID,
		Title:     fmt.Sprintf("Mention from %s: %s", m.AuthorID, m.Content),
		Intent:    "mention_interrupt",
		Priority:  wftask.PriorityHigh,
		Labels:    []string{"mention:" + m.ID + ":" + mention, labelWorkflowRolePrefix + mention},
	})
	if err != nil {
		return err
	}
	if task.Status == wftask.StatusPending {
		return p.pctx.Tasks.AssignTaskDirectly(ctx, task.ID, mention)
	}
	return nil
}

// actionCreateTask spawns a routed task from the message, role-tagged
// like the auto-task plugin's spawns so the scheduler resolves the
// assignee the same way.
func (p *MessagePolicyPlugin) actionCreateTask(ctx context.Context, policyID string, action PolicyAction, m *Message, scenario string) error {
	mentions := []string{""}
	if action.PerMention && len(m.Mentions) > 0 {
		mentions = m.Mentions
	}

	priority := action.TaskPriority
	if priority == "" {
		priority = wftask.PriorityMedium
	}

	for _, mention := range mentions {
		labels := []string{labelScenarioPrefix + scenario}
		role := action.Role
		if mention != "" {
			role = mention
		}
		if role != "" {
			labels = append(labels, labelWorkflowRolePrefix+role)
			eligible, err := p.pctx.Tasks.HasEligibleAgent(ctx, role)
			if err != nil {
				return err
			}
			if !eligible {
				labels = append(labels, labelWorkflowHumanRequired, labelWorkflowHumanPortal)
				p.pctx.Governance.Notify(ctx, m.SessionID, wfgovernance.NotificationWarning,
					fmt.Sprintf("no agent carries role %q for routed message %s", role, m.ID),
					map[string]any{"message_id": m.ID, "role": role})
			}
		}

		if _, err := p.pctx.Tasks.CreateTaskOnceByLabel(ctx, dedupeKey(policyID, m.ID, mention), wftask.Input{
			SessionID: m.SessionID,
			Title:     m.Content,
			Intent:    "message_routed",
			Priority:  priority,
			Labels:    labels,
		}); err != nil {
			return err
		}
	}
	return nil
}

// actionMarkRequirement tags the message as a requirement and writes the
// classified scenario onto the session's workflow instance metadata, so
// scenario-gated phases can react. With bootstrap enabled, a session with
// no instance yet gets one created from the requirement.
func (p *MessagePolicyPlugin) actionMarkRequirement(ctx context.Context, m *Message, scenario string) error {
	if scenario == "discussion" {
		return nil
	}
	if !hasLabel(m.Tags, "requirement") {
		m.Tags = append(m.Tags, "requirement")
	}

	inst, ok := p.pctx.Kernel.FindInstanceBySession(m.SessionID)
	if !ok {
		if p.bootstrapWorkflowID == "" {
			return nil
		}
		_, err := p.pctx.Kernel.CreateInstance(ctx, p.bootstrapWorkflowID, m.SessionID, map[string]any{
			"scenario":           []string{scenario},
			"requirementContent": m.Content,
		})
		return err
	}
	return p.pctx.Kernel.UpdateInstanceMetadata(ctx, inst.ID, map[string]any{
		"scenario": append([]string{scenario}, scenarioTagsExcept(inst.Metadata, scenario)...),
	})
}

func scenarioTagsExcept(metadata map[string]any, scenario string) []string {
	raw, _ := metadata["scenario"].([]string)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != scenario {
			out = append(out, s)
		}
	}
	return out
}

func (p *MessagePolicyPlugin) actionNotify(ctx context.Context, action PolicyAction, m *Message, scenario string) {
	level := action.Level
	if level == "" {
		level = wfgovernance.NotificationInfo
	}
	p.pctx.Governance.Notify(ctx, m.SessionID, level,
		fmt.Sprintf("message %s classified as %s", m.ID, scenario),
		map[string]any{"message_id": m.ID, "scenario": scenario})
}

var _ wfbus.Plugin = (*MessagePolicyPlugin)(nil)
