// Package tools defines the tool contract, the registry the agent exposes to
// the model, input-schema validation, and the semaphore-bounded runner that
// fans out concurrent tool calls.
package tools

import (
	"context"
)

// Error types classify tool failures for the model.
const (
	ErrTypeValidation = "validation" // input rejected by schema
	ErrTypeRuntime    = "runtime"    // environment/IO failure
	ErrTypeLogical    = "logical"    // tool-level precondition failed
	ErrTypeAborted    = "aborted"    // cancelled or timed out
	ErrTypeException  = "exception"  // unexpected error escaping the tool
)

// Outcome is the unified return shape from tool execution. It serialises
// into the tool_result content the model sees.
type Outcome struct {
	OK              bool     `json:"ok"`
	Data            any      `json:"data,omitempty"`
	Error           string   `json:"error,omitempty"`
	ErrorType       string   `json:"errorType,omitempty"`
	Retryable       bool     `json:"retryable,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Ok wraps a successful result.
func Ok(data any) *Outcome { return &Outcome{OK: true, Data: data} }

// Fail builds a failed outcome with recommendations for the given tool.
func Fail(toolName, errType, msg string) *Outcome {
	return &Outcome{
		OK:              false,
		Error:           msg,
		ErrorType:       errType,
		Retryable:       errType == ErrTypeRuntime || errType == ErrTypeAborted,
		Recommendations: Recommend(errType, toolName),
	}
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (*Outcome, error)
}

// TimeoutSpec lets a tool override the default execution timeout.
// Implemented by tools whose work legitimately runs long.
type TimeoutSpec interface {
	TimeoutSeconds() int
}
