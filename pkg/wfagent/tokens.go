package wfagent

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultTokenBudget is the conversation-window budget the executor
// trims to before every Chat call.
const DefaultTokenBudget = 3200

// TokenCounter counts tokens for one model's encoding, caching the
// underlying tiktoken encoding process-wide since constructing one is
// comparatively expensive.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter returns a counter for model, falling back to the
// cl100k_base encoding when the model has no registered tiktoken
// encoding of its own (e.g. Claude models, counted approximately with
// the OpenAI encoding).
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("wfagent: failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()

	return &TokenCounter{encoding: enc, model: model}, nil
}

// Count returns the token count of a single string.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts a message list including the per-message role
// overhead OpenAI's chat format documents.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	const tokensPerMessage = 3
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(m.Role, nil, nil))
		total += len(tc.encoding.Encode(m.Content, nil, nil))
	}
	total += 3 // reply priming
	return total
}

// FitWithinLimit returns the suffix of messages that fits within
// maxTokens, preserving order but dropping the oldest non-system
// messages first.
func (tc *TokenCounter) FitWithinLimit(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}

	var system []Message
	var rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	budget := maxTokens - tc.CountMessages(system)
	fitted := tc.fitSuffix(rest, budget)
	return append(append([]Message(nil), system...), fitted...)
}

func (tc *TokenCounter) fitSuffix(messages []Message, maxTokens int) []Message {
	fitted := []Message{}
	current := 3 // reply priming
	for i := len(messages) - 1; i >= 0; i-- {
		n := tc.CountMessages([]Message{messages[i]})
		if current+n > maxTokens {
			break
		}
		fitted = append([]Message{messages[i]}, fitted...)
		current += n
	}
	return fitted
}
