// Package tools provides the tool registry and execution framework.
//
// This file defines sentinel error types for tool execution. All three
// are conversation-level failures: the loop folds them into the model
// context as failed results so the model can recover, rather than
// aborting the request.
package tools

import "fmt"

// UnknownToolError is returned when a tool call names a tool that does
// not exist in the registry. Models hallucinate tool names; the model
// sees the failure and retries with a real one.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.ToolName)
}

// InvalidArgumentsError is returned when a tool call's arguments fail
// JSON Schema validation against the tool's declared parameters.
type InvalidArgumentsError struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.ToolName, e.Reason)
}

// ToolUnavailableError is returned when a tool exists but its backing
// service is not configured or not reachable right now.
type ToolUnavailableError struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("tool %q is unavailable: %s", e.ToolName, e.Reason)
}
