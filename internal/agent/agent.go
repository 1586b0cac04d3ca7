// Package agent defines the port through which the engine talks to an LLM
// provider. Adapters register themselves by provider name; the engine treats
// the port as opaque and relies on context cancellation for aborts.
package agent

import (
	"context"
	"time"
)

// Response status values.
const (
	StatusDone  = "done"
	StatusError = "error"
)

// Persona identifies the agent's role for a call: a name plus the prompt
// bundle supplied as the system prompt.
type Persona struct {
	Name   string
	Prompt string
	// Path is the resolved persona file, when the persona was loaded from disk.
	Path string
}

// StreamEvent is one incremental event surfaced to the caller's stream sink.
type StreamEvent struct {
	Type string // "text", "tool", or "system"
	Data string
}

// StreamFunc receives incremental events during an agent call.
type StreamFunc func(ev StreamEvent)

// Options carries the per-call settings for Runner.Run.
type Options struct {
	Cwd             string
	ReportDir       string
	SessionID       string
	ResumeSessionID string
	AllowedTools    []string
	PermissionMode  string
	Provider        string
	Model           string
	OnStream        StreamFunc
	TaskPrefix      string
	TaskColorIndex  int
}

// Response is the outcome of a single agent call.
type Response struct {
	Persona   string
	Status    string // StatusDone or StatusError
	Content   string
	Timestamp time.Time
	SessionID string
}

// IsError reports whether the call failed.
func (r *Response) IsError() bool {
	return r == nil || r.Status == StatusError
}

// Runner is the sole boundary where external I/O to the model lives.
// Implementations must observe ctx and return promptly once it is cancelled.
type Runner interface {
	// Name returns the provider identifier.
	Name() string

	// Run invokes the model with the persona as system context and the
	// instruction as the user turn.
	Run(ctx context.Context, persona Persona, instruction string, opts Options) (*Response, error)
}

// ErrorResponse builds an error response carrying the given message as content
// so rule evaluation can still run against it.
func ErrorResponse(persona Persona, msg string) *Response {
	return &Response{
		Persona:   persona.Name,
		Status:    StatusError,
		Content:   msg,
		Timestamp: time.Now().UTC(),
	}
}
