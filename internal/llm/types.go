// Package llm provides the chat-completion clients the tool loop talks
// to. Every provider speaks the same Message and ToolCall types; wire
// format conversion happens at the provider boundary.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a tool invocation requested by the model. Arguments stay
// as the raw JSON text the model produced, so a malformed payload
// reaches the tool loop intact instead of failing the whole response.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a ToolCall from decoded arguments.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	raw := "{}"
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			raw = string(data)
		}
	}
	return ToolCall{
		ID:       id,
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: raw},
	}
}

// DecodeArguments parses the arguments as a JSON object. Empty
// arguments decode to an empty map.
func (tc ToolCall) DecodeArguments() (map[string]any, error) {
	raw := strings.TrimSpace(tc.Function.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", tc.Function.Name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ToolDefinition renders a tool in the OpenAI function format that
// every provider in this package accepts:
//
//	{"type":"function","function":{"name":...,"description":...,"parameters":...}}
func ToolDefinition(name, description string, parameters map[string]any) map[string]any {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": description,
			"parameters":  parameters,
		},
	}
}

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model    string
	Provider string
	Message  Message

	// StopReason is the provider's reason for ending the turn
	// (stop, tool_calls, end_turn, max_tokens, ...).
	StopReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// Options are sampling parameters shared by every provider.
type Options struct {
	MaxTokens   int
	Temperature float64
}
