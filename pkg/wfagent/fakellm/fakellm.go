// Package fakellm is a deterministic wfagent.LLMClient double for tests
// and local runs without a real provider.
package fakellm

import (
	"context"
	"fmt"

	"github.com/kadirpekel/arranger/pkg/wfagent"
)

// Responder maps the last user-role message's content to the reply the
// fake returns. Scripted responses let a test pin down multi-turn tool
// loops without driving a real model.
type Responder func(turn int, messages []wfagent.Message) wfagent.ChatResult

// Client is a scripted, in-process wfagent.LLMClient. It never does I/O,
// so Chat is purely a function of Responder's return value.
type Client struct {
	kind      wfagent.ProviderKind
	model     string
	maxTokens int
	respond   Responder
	turn      int
}

// New constructs a fake client that calls respond on every Chat call,
// passing the 0-based call count as turn so a test can script a
// multi-step tool loop (e.g. turn 0 requests a tool call, turn 1 returns
// final text).
func New(kind wfagent.ProviderKind, model string, maxTokens int, respond Responder) *Client {
	return &Client{kind: kind, model: model, maxTokens: maxTokens, respond: respond}
}

// NewStatic returns a fake that always replies with the same text and no
// tool calls, for executor tests that don't exercise the tool loop.
func NewStatic(model, text string) *Client {
	return New(wfagent.ProviderClaude, model, wfagent.DefaultTokenBudget, func(int, []wfagent.Message) wfagent.ChatResult {
		return wfagent.ChatResult{Text: text}
	})
}

func (c *Client) Kind() wfagent.ProviderKind { return c.kind }
func (c *Client) ModelName() string          { return c.model }
func (c *Client) MaxTokens() int             { return c.maxTokens }

func (c *Client) Chat(_ context.Context, messages []wfagent.Message, _ []wfagent.ToolDefinition) (wfagent.ChatResult, error) {
	result := c.respond(c.turn, messages)
	c.turn++
	return result, nil
}

// Stream replays Chat's result as a single text chunk followed by done,
// satisfying the interface's capability set without real incremental
// delivery (no core code blocks on it).
func (c *Client) Stream(ctx context.Context, messages []wfagent.Message, tools []wfagent.ToolDefinition) (<-chan wfagent.StreamChunk, error) {
	result, err := c.Chat(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	ch := make(chan wfagent.StreamChunk, 2)
	ch <- wfagent.StreamChunk{Type: "text", Text: result.Text}
	ch <- wfagent.StreamChunk{Type: "done", Tokens: result.Tokens}
	close(ch)
	return ch, nil
}

func (c *Client) Close() error { return nil }

// Invoker is a scripted wfagent.ToolInvoker: it looks up call.Name in a
// fixed table and returns the corresponding canned result, or an error
// if the tool is unknown.
type Invoker struct {
	Results map[string]string
}

// NewInvoker constructs an Invoker over a canned result table.
func NewInvoker(results map[string]string) *Invoker {
	return &Invoker{Results: results}
}

func (i *Invoker) Invoke(_ context.Context, call wfagent.ToolCall) (string, error) {
	result, ok := i.Results[call.Name]
	if !ok {
		return "", fmt.Errorf("fakellm: no scripted result for tool %q", call.Name)
	}
	return result, nil
}

var (
	_ wfagent.LLMClient   = (*Client)(nil)
	_ wfagent.ToolInvoker = (*Invoker)(nil)
)
