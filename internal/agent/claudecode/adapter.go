// Package claudecode runs prompts through the claude CLI in non-interactive
// stream-json mode. It is the default provider: the CLI brings its own tool
// use (file edits, shell) so movements with edit enabled work out of the box.
package claudecode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yoshihiko555/takt/internal/agent"
)

// DefaultBinary is the claude CLI executable name resolved via PATH.
const DefaultBinary = "claude"

// maxLineBytes bounds a single NDJSON line; tool results can be large.
const maxLineBytes = 4 * 1024 * 1024

// Adapter implements agent.Runner by spawning the claude CLI per call.
type Adapter struct {
	bin string

	// commandContext is swappable for tests.
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a claude CLI adapter.
func New() *Adapter {
	return &Adapter{
		bin:            DefaultBinary,
		commandContext: exec.CommandContext,
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return "claude-code"
}

// buildArgs constructs the CLI arguments for a call.
func (a *Adapter) buildArgs(persona agent.Persona, opts agent.Options) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}

	if persona.Prompt != "" {
		args = append(args, "--system-prompt", persona.Prompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}

	return args
}

// Run spawns the CLI, pipes the instruction via stdin, and consumes the
// NDJSON stream incrementally. Context cancellation kills the process.
func (a *Adapter) Run(ctx context.Context, persona agent.Persona, instruction string, opts agent.Options) (*agent.Response, error) {
	cmd := a.commandContext(ctx, a.bin, a.buildArgs(persona, opts)...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Stdin = strings.NewReader(instruction)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", a.bin, err)
	}

	var (
		textParts  []string
		resultText string
		sessionID  = opts.SessionID
		isError    bool
		sawResult  bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		parsed := ParseLine(line)
		if parsed.SessionID != "" {
			sessionID = parsed.SessionID
		}
		switch parsed.Kind {
		case LineSystem:
			emit(opts.OnStream, agent.StreamEvent{Type: "system", Data: parsed.Text})
		case LineText:
			textParts = append(textParts, parsed.Text)
			emit(opts.OnStream, agent.StreamEvent{Type: "text", Data: parsed.Text})
		case LineTool:
			emit(opts.OnStream, agent.StreamEvent{Type: "tool", Data: parsed.ToolName})
		case LineResult:
			sawResult = true
			resultText = parsed.Text
			isError = parsed.IsError
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return agent.ErrorResponse(persona, "cancelled"), ctx.Err()
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to read %s output: %w", a.bin, scanErr)
	}

	content := resultText
	if content == "" {
		content = strings.Join(textParts, "\n")
	}

	resp := &agent.Response{
		Persona:   persona.Name,
		Status:    agent.StatusDone,
		Content:   content,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}

	if waitErr != nil || isError || !sawResult {
		resp.Status = agent.StatusError
		if resp.Content == "" {
			resp.Content = lastLine(stderr.String())
		}
		if waitErr != nil {
			return resp, fmt.Errorf("%s exited with error: %w (stderr: %s)", a.bin, waitErr, lastLine(stderr.String()))
		}
	}

	return resp, nil
}

// lastLine returns the last non-empty line of s, for compact error reporting.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func emit(fn agent.StreamFunc, ev agent.StreamEvent) {
	if fn != nil {
		fn(ev)
	}
}

func init() {
	agent.Register("claude-code", func() (agent.Runner, error) {
		return New(), nil
	})
}
