// Package wfagent implements the Agent Runtime: the
// per-agent execution loop that claims assigned tasks, drives them
// through a generic LLM-with-tools loop or a structured requirement
// decomposition, reports results back to the scheduler, and runs the
// self-governance watchers that cast votes and resolve approvals on the
// agent's behalf.
//
// Concrete LLM provider clients and MCP tool dispatch are external
// collaborators; LLMClient and ToolInvoker below are the narrow
// interfaces the runtime calls instead. wfagent/fakellm ships a
// deterministic fake
// satisfying LLMClient for tests and local runs without a real
// provider.
package wfagent

import "context"

// ProviderKind tags which family of wire protocol an LLMClient speaks.
// The runtime itself is provider-agnostic; the tag exists so logging and
// metrics can distinguish providers without type-asserting on a concrete
// client.
type ProviderKind string

const (
	ProviderClaude           ProviderKind = "claude"
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
)

// Message is one turn of an LLM conversation, mirroring the universal
// multi-turn/tool-call shape every provider family converges on.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolDefinition describes a callable tool in JSON-Schema-parameter form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation the LLM requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	RawArgs   string
}

// ChatResult is a non-streaming LLM response.
type ChatResult struct {
	Text      string
	ToolCalls []ToolCall
	Tokens    int
}

// StreamChunk is one piece of a streaming LLM response. No core code
// blocks on the Stream capability; it exists on the
// interface for completeness and UI collaborators outside this repo's
// scope.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

// LLMClient is the narrow collaborator interface the agent runtime calls
// for both the generic tool loop and the structured requirement-analysis
// planner. A client is tagged with the ProviderKind it speaks and
// exposes a capability set of {chat, stream}.
type LLMClient interface {
	Kind() ProviderKind
	ModelName() string
	MaxTokens() int

	// Chat performs one non-streaming request and returns the assistant's
	// reply, which may include tool calls the runtime must execute before
	// looping again.
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (ChatResult, error)

	// Stream performs the same request but returns a channel of
	// incremental chunks. Present for interface completeness; the core
	// execution loop only exercises Chat.
	Stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	Close() error
}

// ToolInvoker is the narrow collaborator interface for MCP/tool dispatch.
// Invoke executes one requested tool call and returns its result text.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) (result string, err error)
}
