package claudecode

import (
	"context"
	"os/exec"
	"reflect"
	"strings"
	"testing"

	"github.com/yoshihiko555/takt/internal/agent"
)

func TestBuildArgs(t *testing.T) {
	a := New()

	tests := []struct {
		name    string
		persona agent.Persona
		opts    agent.Options
		want    []string
	}{
		{
			name:    "defaults skip permissions",
			persona: agent.Persona{},
			opts:    agent.Options{},
			want: []string{
				"--print", "--verbose", "--output-format", "stream-json",
				"--dangerously-skip-permissions",
			},
		},
		{
			name:    "full options",
			persona: agent.Persona{Prompt: "You are a reviewer."},
			opts: agent.Options{
				Model:           "claude-sonnet-4-5",
				ResumeSessionID: "sess-1",
				AllowedTools:    []string{"Read", "Bash"},
				PermissionMode:  "acceptEdits",
			},
			want: []string{
				"--print", "--verbose", "--output-format", "stream-json",
				"--system-prompt", "You are a reviewer.",
				"--model", "claude-sonnet-4-5",
				"--resume", "sess-1",
				"--allowedTools", "Read,Bash",
				"--permission-mode", "acceptEdits",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.buildArgs(tt.persona, tt.opts)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("buildArgs = %v\nwant %v", got, tt.want)
			}
		})
	}
}

// fakeCLI makes the adapter run a shell one-liner instead of the claude
// binary, so Run can be exercised without the CLI installed.
func fakeCLI(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestRunCollectsResultAndSession(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"system","subtype":"init","session_id":"sess-9"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}'
echo '{"type":"result","subtype":"success","result":"all good [WORK:1]","session_id":"sess-9"}'`

	a := New()
	a.commandContext = fakeCLI(script)

	var events []agent.StreamEvent
	resp, err := a.Run(context.Background(), agent.Persona{Name: "dev"}, "do it", agent.Options{
		OnStream: func(ev agent.StreamEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Status != agent.StatusDone {
		t.Errorf("Status = %q, want done", resp.Status)
	}
	if resp.Content != "all good [WORK:1]" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.SessionID != "sess-9" {
		t.Errorf("SessionID = %q, want sess-9", resp.SessionID)
	}
	if len(events) != 2 || events[0].Type != "system" || events[1].Type != "text" {
		t.Errorf("events = %+v", events)
	}
}

func TestRunWithoutResultIsError(t *testing.T) {
	script := `cat > /dev/null
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'`

	a := New()
	a.commandContext = fakeCLI(script)

	resp, err := a.Run(context.Background(), agent.Persona{Name: "dev"}, "do it", agent.Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Status != agent.StatusError {
		t.Errorf("Status = %q, want error when no result line arrived", resp.Status)
	}
	// Partial text is still surfaced for rule evaluation.
	if resp.Content != "partial" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	script := `cat > /dev/null
echo "credential error" >&2
exit 1`

	a := New()
	a.commandContext = fakeCLI(script)

	resp, err := a.Run(context.Background(), agent.Persona{Name: "dev"}, "do it", agent.Options{})
	if err == nil {
		t.Fatal("Run succeeded, want error on non-zero exit")
	}
	if resp == nil || resp.Status != agent.StatusError {
		t.Fatalf("resp = %+v, want error response", resp)
	}
	if !strings.Contains(resp.Content, "credential error") {
		t.Errorf("Content = %q, want stderr tail", resp.Content)
	}
}
