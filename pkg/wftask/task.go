// Package wftask implements the Task Scheduler component: the
// Task and Agent data model, task locking, assignment, timeout sweeping,
// and dependency unblocking.
package wftask

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Priority is a task's scheduling priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// priorityRank gives PriorityHigh the lowest (most urgent) rank so tasks
// sort high > medium > low.
func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusPaused    Status = "paused"
)

// IsTerminal reports whether no further transitions are legal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// legalTransitions encodes the legal status graph.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusQueued: true, StatusBlocked: true},
	StatusQueued:    {StatusAssigned: true, StatusBlocked: true, StatusPending: true},
	StatusAssigned:  {StatusRunning: true, StatusPending: true, StatusBlocked: true, StatusPaused: true},
	StatusRunning:   {StatusCompleted: true, StatusFailed: true, StatusPaused: true, StatusPending: true},
	StatusBlocked:   {StatusPending: true},
	StatusPaused:    {StatusPending: true},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition reports whether next is a legal transition from s.
func CanTransition(s, next Status) bool {
	allowed, ok := legalTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// Task is the unit of work the scheduler assigns and tracks.
type Task struct {
	ID             string
	SessionID      string
	Title          string
	Intent         string
	Scope          string
	Priority       Priority
	Labels         []string
	Status         Status
	AssignedTo     string
	ParentTaskID   string
	Dependencies   []string
	RetryCount     int
	MaxRetries     *int
	TimeoutSeconds *int
	RunAfter       *time.Time
	LastStartedAt  *time.Time
	CompletedAt    *time.Time

	ResultSummary string
	ResultDetails string
	FailureReason string

	Metadata map[string]any

	CreatedAt       time.Time
	UpdatedAt       time.Time
	StatusUpdatedAt time.Time
}

// Input is the caller-supplied payload for CreateTask.
type Input struct {
	SessionID      string
	Title          string
	Intent         string
	Scope          string
	Priority       Priority
	Labels         []string
	ParentTaskID   string
	Dependencies   []string
	MaxRetries     *int
	TimeoutSeconds *int
	RunAfter       *time.Time
	Metadata       map[string]any
}

// NewTask constructs a Task from an Input with the given initial status.
// It does not look at dependencies; the caller picks the status
// (Scheduler.CreateTask passes blocked when any dependency is declared).
func NewTask(in Input, initialStatus Status) *Task {
	now := time.Now()
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Task{
		ID:              "task-" + uuid.NewString(),
		SessionID:       in.SessionID,
		Title:           in.Title,
		Intent:          in.Intent,
		Scope:           in.Scope,
		Priority:        priority,
		Labels:          append([]string(nil), in.Labels...),
		Status:          initialStatus,
		ParentTaskID:    in.ParentTaskID,
		Dependencies:    append([]string(nil), in.Dependencies...),
		MaxRetries:      in.MaxRetries,
		TimeoutSeconds:  in.TimeoutSeconds,
		RunAfter:        in.RunAfter,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusUpdatedAt: now,
	}
}

// HasLabel reports whether the task carries the exact label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AddLabels appends labels the task does not already carry.
func (t *Task) AddLabels(labels ...string) {
	for _, l := range labels {
		if !t.HasLabel(l) {
			t.Labels = append(t.Labels, l)
		}
	}
	t.UpdatedAt = time.Now()
}

// Clone returns a deep-enough copy safe for callers to mutate without
// affecting the stored task (read APIs return copies).
func (t *Task) Clone() *Task {
	cp := *t
	cp.Labels = append([]string(nil), t.Labels...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// DecodeMetadataKey decodes the untyped value stored under key in
// t.Metadata into out (a pointer to a typed view), via mapstructure. This
// is the typed-view edge the free-form metadata bag gets decoded at.
// Returns nil without touching out if key is absent.
func (t *Task) DecodeMetadataKey(key string, out any) error {
	raw, ok := t.Metadata[key]
	if !ok {
		return nil
	}
	return mapstructure.Decode(raw, out)
}

// AutomationSpec is the typed view of a task's metadata.automation entry.
type AutomationSpec struct {
	Command string `mapstructure:"command"`
}

// Agent is a worker — human or LLM-backed — capable of executing tasks.
type Agent struct {
	ID              string
	Roles           []string
	Status          AgentStatus
	IsEnabled       bool
	LastHeartbeatAt time.Time
	ActiveTaskID    string
	StatusUpdatedAt time.Time
}

// AgentStatus is an agent's availability.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// HasRole reports whether the agent carries role.
func (a *Agent) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Error is a task-domain error with a stable Code for callers to match on.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wftask: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("wftask: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Error codes.
const (
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeTaskNotFound      = "task_not_found"
	ErrCodeLockContention    = "lock_contention"
	ErrCodeNoAgentAvailable  = "no_agent_available"
	ErrCodeAgentNotEligible  = "agent_not_eligible"
)

func newErr(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
