// Package llm defines the boundary to the language-model provider and the
// schema of the structured payloads the model is asked to produce.
//
// The provider itself is opaque: prompt in, text out, with a tool-use
// variant. Concrete providers live outside this repository; tests use a fake.
package llm

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a model conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDef describes a tool offered to the model, in the model's tool-call
// schema.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is a tool invocation issued by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CompletionRequest carries one model invocation.
type CompletionRequest struct {
	System   string        `json:"system,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolDef     `json:"tools,omitempty"`
}

// Completion is the model's answer. When the model wants tools it returns
// one or more ToolCalls instead of (or alongside) text.
type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the opaque language-model boundary.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// InputChars sums the characters the request sends to the model, used by the
// character-length token heuristic.
func (r *CompletionRequest) InputChars() int {
	total := len(r.System)
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total
}
