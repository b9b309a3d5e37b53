// Package llm provides inference client implementations.
package llm

import (
	"encoding/json"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Stop conditions reported by a provider for a completed model call.
const (
	// StopCompleted means the model finished its reply and requested no tools.
	StopCompleted = "completed"
	// StopToolRequested means the model requested one or more tool invocations.
	StopToolRequested = "tool_requested"
	// StopMaxTokens means the model hit the configured output size limit.
	StopMaxTokens = "max_tokens"
)

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool invocation requested by the model. ID is the
// correlation identifier used to match the eventual result back to this
// request within the same round.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// NewToolCall builds a ToolCall; mostly useful in tests and text-format
// fallback parsing, where no provider-assigned ID exists yet.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	tc := ToolCall{ID: id}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

// MarshalToolCalls encodes tool calls for storage on a turn record.
func MarshalToolCalls(calls []ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseToolCalls decodes a stored tool_calls blob.
func ParseToolCalls(blob string) ([]ToolCall, error) {
	if blob == "" {
		return nil, nil
	}
	var calls []ToolCall
	if err := json.Unmarshal([]byte(blob), &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// ChatResponse is the unified response from any inference provider.
// Wire format conversion happens at provider boundaries
// (anthropic.go, ollama.go).
type ChatResponse struct {
	Model      string
	CreatedAt  time.Time
	Message    Message
	StopReason string // one of the Stop* constants
	Done       bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// ToolRequested reports whether the model asked for tool invocations.
func (r *ChatResponse) ToolRequested() bool {
	return len(r.Message.ToolCalls) > 0
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall

	// ToolName, ToolResult and ToolError are set for KindToolCallDone events.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model invokes a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
