package engine

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yoshihiko555/takt/internal/agent"
	"github.com/yoshihiko555/takt/internal/logging"
	"github.com/yoshihiko555/takt/internal/piece"
)

type recordedCall struct {
	persona     string
	instruction string
	resume      string
}

// fakeRunner scripts responses per persona name, FIFO. Personas marked in
// block hang until the context is cancelled. With sessionIDs set, every
// response carries "<persona>-session" like the real adapters do.
type fakeRunner struct {
	mu         sync.Mutex
	queues     map[string][]*agent.Response
	block      map[string]bool
	sessionIDs bool
	calls      []recordedCall
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		queues: make(map[string][]*agent.Response),
		block:  make(map[string]bool),
	}
}

func (f *fakeRunner) respond(persona, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[persona] = append(f.queues[persona], &agent.Response{
		Persona:   persona,
		Status:    agent.StatusDone,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(ctx context.Context, persona agent.Persona, instruction string, opts agent.Options) (*agent.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{persona.Name, instruction, opts.ResumeSessionID})
	if f.block[persona.Name] {
		f.mu.Unlock()
		<-ctx.Done()
		return agent.ErrorResponse(persona, "cancelled"), ctx.Err()
	}
	var resp *agent.Response
	if q := f.queues[persona.Name]; len(q) > 0 {
		resp = q[0]
		f.queues[persona.Name] = q[1:]
	} else {
		resp = &agent.Response{Persona: persona.Name, Status: agent.StatusDone, Timestamp: time.Now().UTC()}
	}
	if f.sessionIDs {
		resp.SessionID = persona.Name + "-session"
	}
	f.mu.Unlock()
	return resp, nil
}

func (f *fakeRunner) callsFor(persona string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.persona == persona {
			out = append(out, c)
		}
	}
	return out
}

func newTestEngine(t *testing.T, pieceYAML string, runner agent.Runner, opts Options) *Engine {
	t.Helper()
	cfg, err := piece.Parse([]byte(pieceYAML))
	if err != nil {
		t.Fatalf("parsing piece: %v", err)
	}
	dir := t.TempDir()
	opts.ProjectCwd = dir
	eng, err := New(cfg, dir, "test the engine", runner, logging.NewWithWriter(io.Discard), opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return eng
}

func TestRunLinearCompletion(t *testing.T) {
	const pieceYAML = `
name: linear
initialMovement: plan
maxMovements: 5
movements:
  - name: plan
    instruction: "Plan it."
    rules:
      - condition: plan ready
        next: implement
  - name: implement
    instruction: "Do it."
    rules:
      - condition: finished
        next: COMPLETE
`
	f := newFakeRunner()
	f.respond("plan", "Here is the plan. [PLAN:1]")
	f.respond("implement", "Done. [IMPLEMENT:1]")

	var completed bool
	eng := newTestEngine(t, pieceYAML, f, Options{
		Hooks: &Hooks{PieceComplete: func(*RunState) { completed = true }},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}
	if !completed {
		t.Error("PieceComplete hook did not fire")
	}
	if state.Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", state.Iteration)
	}

	out := state.Outputs["plan"]
	if out == nil || out.MatchedRuleIndex != 0 || out.MatchedRuleMethod != MethodTag {
		t.Errorf("plan output = %+v, want tag match on rule 0", out)
	}

	// The second movement receives the first movement's output.
	implCalls := f.callsFor("implement")
	if len(implCalls) != 1 {
		t.Fatalf("implement called %d times, want 1", len(implCalls))
	}
	if !strings.Contains(implCalls[0].instruction, "Here is the plan.") {
		t.Error("previous response not forwarded to the next movement")
	}

	if state.PreviousResponsePath == "" {
		t.Fatal("PreviousResponsePath not set")
	}
	if _, err := os.Stat(state.PreviousResponsePath); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
}

func TestRunAIJudgeFallback(t *testing.T) {
	const pieceYAML = `
name: judged
initialMovement: work
maxMovements: 3
movements:
  - name: work
    instruction: "Work."
    rules:
      - condition: ai("the work is blocked")
        next: ABORT
      - condition: ai("the work is finished")
        next: COMPLETE
`
	f := newFakeRunner()
	f.respond("work", "I did things but emitted no tag.")

	judged := 0
	eng := newTestEngine(t, pieceYAML, f, Options{
		CallAIJudge: func(_ context.Context, m *piece.Movement, responseText string) (int, error) {
			judged++
			if m.Name != "work" {
				t.Errorf("judge called for movement %q", m.Name)
			}
			return 1, nil
		},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if judged != 1 {
		t.Errorf("judge called %d times, want 1", judged)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}
	if out := state.Outputs["work"]; out.MatchedRuleMethod != MethodAIJudge {
		t.Errorf("method = %q, want %q", out.MatchedRuleMethod, MethodAIJudge)
	}
}

func TestRunAutoSelectFallback(t *testing.T) {
	const pieceYAML = `
name: fallback
initialMovement: work
maxMovements: 3
movements:
  - name: work
    instruction: "Work."
    rules:
      - condition: ai("done")
        next: COMPLETE
      - condition: stuck
        next: ABORT
`
	f := newFakeRunner()
	f.respond("work", "ambiguous output")

	eng := newTestEngine(t, pieceYAML, f, Options{
		CallAIJudge: func(context.Context, *piece.Movement, string) (int, error) {
			return -1, nil
		},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusAborted || state.AbortReason != ReasonRuleAbort {
		t.Fatalf("Status = %q / %q, want aborted / %q", state.Status, state.AbortReason, ReasonRuleAbort)
	}
	if out := state.Outputs["work"]; out.MatchedRuleMethod != MethodAutoSelect {
		t.Errorf("method = %q, want %q", out.MatchedRuleMethod, MethodAutoSelect)
	}
}

func TestRunNoMatchingRule(t *testing.T) {
	const pieceYAML = `
name: strict
initialMovement: work
maxMovements: 3
movements:
  - name: work
    instruction: "Work."
    rules:
      - condition: finished
        next: COMPLETE
`
	f := newFakeRunner()
	f.respond("work", "no tag in sight")

	var abortReason string
	eng := newTestEngine(t, pieceYAML, f, Options{
		Hooks: &Hooks{PieceAbort: func(_ *RunState, reason string) { abortReason = reason }},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusAborted || state.AbortReason != ReasonNoMatchingRule {
		t.Fatalf("Status = %q / %q, want aborted / %q", state.Status, state.AbortReason, ReasonNoMatchingRule)
	}
	if abortReason != ReasonNoMatchingRule {
		t.Errorf("abort hook reason = %q", abortReason)
	}
}

func TestRunIterationLimit(t *testing.T) {
	const pieceYAML = `
name: spinner
initialMovement: spin
maxMovements: 2
movements:
  - name: spin
    instruction: "Spin."
    rules:
      - condition: again
        next: spin
`
	f := newFakeRunner()
	f.respond("spin", "[SPIN:1]")
	f.respond("spin", "[SPIN:1]")
	f.respond("spin", "[SPIN:1]")

	limitHit := false
	eng := newTestEngine(t, pieceYAML, f, Options{
		Hooks: &Hooks{IterationLimit: func(iteration, limit int) {
			limitHit = true
			if iteration != 2 || limit != 2 {
				t.Errorf("IterationLimit(%d, %d), want (2, 2)", iteration, limit)
			}
		}},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusAborted || state.AbortReason != ReasonIterationLimit {
		t.Fatalf("Status = %q / %q, want aborted / %q", state.Status, state.AbortReason, ReasonIterationLimit)
	}
	if !limitHit {
		t.Error("IterationLimit hook did not fire")
	}
	// The final state never reports more iterations than the budget.
	if state.Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", state.Iteration)
	}
}

func TestRunLoopMonitorJudge(t *testing.T) {
	const pieceYAML = `
name: looping
initialMovement: fix
maxMovements: 10
movements:
  - name: fix
    instruction: "Fix."
    rules:
      - condition: fixed, needs review
        next: review
  - name: review
    instruction: "Review."
    rules:
      - condition: rejected
        next: fix
loopMonitors:
  - cycle: [fix, review]
    threshold: 1
    judge:
      instruction: "The cycle is stuck. Decide."
      rules:
        - condition: keep iterating
          next: fix
        - condition: accept as-is
          next: COMPLETE
`
	f := newFakeRunner()
	f.respond("fix", "[FIX:1]")
	f.respond("review", "[REVIEW:1]")
	f.respond("fix/judge", "Good enough. [FIX/JUDGE:2]")

	var detected string
	eng := newTestEngine(t, pieceYAML, f, Options{
		Hooks: &Hooks{CycleDetected: func(monitor string, _ int) { detected = monitor }},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}
	if detected != "fix->review" {
		t.Errorf("CycleDetected monitor = %q, want fix->review", detected)
	}
	if out := state.Outputs["fix/judge"]; out == nil || out.MatchedRuleIndex != 1 {
		t.Errorf("judge output = %+v, want match on rule 1", out)
	}
	// The judge replaced the blocked iteration; fix ran once.
	if len(f.callsFor("fix")) != 1 {
		t.Errorf("fix called %d times, want 1", len(f.callsFor("fix")))
	}
}

func TestRunLoopUnresolved(t *testing.T) {
	const pieceYAML = `
name: looping
initialMovement: fix
maxMovements: 10
movements:
  - name: fix
    instruction: "Fix."
    rules:
      - condition: done fixing
        next: review
  - name: review
    instruction: "Review."
    rules:
      - condition: rejected
        next: fix
loopMonitors:
  - cycle: [fix, review]
    threshold: 1
    judge:
      instruction: "Decide."
      rules:
        - condition: keep iterating
          next: fix
`
	f := newFakeRunner()
	f.respond("fix", "[FIX:1]")
	f.respond("review", "[REVIEW:1]")
	f.respond("fix/judge", "no verdict")

	eng := newTestEngine(t, pieceYAML, f, Options{})
	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusAborted || state.AbortReason != ReasonLoopUnresolved {
		t.Fatalf("Status = %q / %q, want aborted / %q", state.Status, state.AbortReason, ReasonLoopUnresolved)
	}
}

func TestRunParallelAggregate(t *testing.T) {
	const pieceYAML = `
name: fanout
initialMovement: verify
maxMovements: 5
movements:
  - name: verify
    instruction: ""
    parallel:
      - name: tests
        instruction: "Run tests."
        rules:
          - condition: passed
            next: COMPLETE
          - condition: failed
            next: COMPLETE
      - name: style
        instruction: "Check style."
        rules:
          - condition: approved
            next: COMPLETE
    rules:
      - condition: all("passed", "approved")
        next: COMPLETE
      - condition: any("failed")
        next: ABORT
`
	f := newFakeRunner()
	f.respond("tests", "All green. [TESTS:1]")
	f.respond("style", "Clean. [STYLE:1]")

	eng := newTestEngine(t, pieceYAML, f, Options{})
	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}

	parent := state.Outputs["verify"]
	if parent == nil || parent.MatchedRuleMethod != MethodAggregate || parent.MatchedRuleIndex != 0 {
		t.Fatalf("parent output = %+v, want aggregate match on rule 0", parent)
	}
	// Aggregate content lists sub-movements in declaration order.
	testsIdx := strings.Index(parent.Content, "## tests")
	styleIdx := strings.Index(parent.Content, "## style")
	if testsIdx < 0 || styleIdx < 0 || testsIdx > styleIdx {
		t.Errorf("aggregate content out of order:\n%s", parent.Content)
	}

	if out := state.Outputs["tests"]; out == nil || out.MatchedRuleIndex != 0 {
		t.Errorf("tests sub output = %+v", out)
	}
}

func TestRunPhaseOrder(t *testing.T) {
	const pieceYAML = `
name: phased
initialMovement: work
maxMovements: 3
movements:
  - name: work
    instruction: "Work."
    outputContracts: [notes.md]
    rules:
      - condition: ai("the work is finished")
        next: COMPLETE
`
	f := newFakeRunner()
	f.respond("work", "did things, no tag")
	f.respond("work", "notes written")
	f.respond("work", "[WORK:1]")

	var kinds []string
	eng := newTestEngine(t, pieceYAML, f, Options{
		Hooks: &Hooks{PhaseStart: func(_ string, _ int, kind, _ string) {
			kinds = append(kinds, kind)
		}},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}
	want := []string{PhaseKindExecute, PhaseKindReport, PhaseKindJudgment}
	if len(kinds) != len(want) {
		t.Fatalf("phases = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("phases = %v, want %v", kinds, want)
		}
	}
}

func TestRunParallelSessionBookkeeping(t *testing.T) {
	const pieceYAML = `
name: fanout
initialMovement: verify
maxMovements: 5
movements:
  - name: verify
    instruction: ""
    parallel:
      - name: s1
        instruction: "Check one."
        rules:
          - condition: ok
            next: COMPLETE
      - name: s2
        instruction: "Check two."
        rules:
          - condition: ok
            next: COMPLETE
      - name: s3
        instruction: "Check three."
        rules:
          - condition: ok
            next: COMPLETE
      - name: s4
        instruction: "Check four."
        rules:
          - condition: ok
            next: COMPLETE
    rules:
      - condition: all("ok")
        next: wrap
  - name: wrap
    persona: s1
    instruction: "Wrap up."
    rules:
      - condition: finished
        next: COMPLETE
`
	f := newFakeRunner()
	f.sessionIDs = true
	f.respond("s1", "[S1:1]")
	f.respond("s2", "[S2:1]")
	f.respond("s3", "[S3:1]")
	f.respond("s4", "[S4:1]")
	f.respond("s1", "[WRAP:1]")

	eng := newTestEngine(t, pieceYAML, f, Options{})
	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}

	// The wrap movement shares the s1 persona and resumes its session.
	calls := f.callsFor("s1")
	if len(calls) != 2 {
		t.Fatalf("s1 called %d times, want 2", len(calls))
	}
	if calls[0].resume != "" {
		t.Errorf("first s1 call resumed %q, want fresh session", calls[0].resume)
	}
	if calls[1].resume != "s1-session" {
		t.Errorf("wrap resumed %q, want s1-session", calls[1].resume)
	}
}

func TestRunParallelHookSerialization(t *testing.T) {
	const pieceYAML = `
name: fanout
initialMovement: verify
maxMovements: 5
movements:
  - name: verify
    instruction: ""
    parallel:
      - name: s1
        instruction: "One."
        rules:
          - condition: ok
            next: COMPLETE
      - name: s2
        instruction: "Two."
        rules:
          - condition: ok
            next: COMPLETE
      - name: s3
        instruction: "Three."
        rules:
          - condition: ok
            next: COMPLETE
      - name: s4
        instruction: "Four."
        rules:
          - condition: ok
            next: COMPLETE
    rules:
      - condition: all("ok")
        next: COMPLETE
`
	f := newFakeRunner()
	f.respond("s1", "[S1:1]")
	f.respond("s2", "[S2:1]")
	f.respond("s3", "[S3:1]")
	f.respond("s4", "[S4:1]")

	// The handler appends without its own locking; emissions are serialized
	// by the engine even for concurrent sub-movements.
	var started []string
	eng := newTestEngine(t, pieceYAML, f, Options{
		Hooks: &Hooks{PhaseStart: func(movement string, _ int, _, _ string) {
			started = append(started, movement)
		}},
	})

	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q (reason %q), want completed", state.Status, state.AbortReason)
	}
	if len(started) != 4 {
		t.Errorf("phase starts = %v, want one per sub-movement", started)
	}
}

func TestRunCancellation(t *testing.T) {
	const pieceYAML = `
name: cancellable
initialMovement: work
maxMovements: 5
movements:
  - name: work
    instruction: "Work."
    rules:
      - condition: finished
        next: COMPLETE
`
	f := newFakeRunner()
	f.block["work"] = true

	eng := newTestEngine(t, pieceYAML, f, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	state, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusAborted || state.AbortReason != ReasonCancelled {
		t.Fatalf("Status = %q / %q, want aborted / %q", state.Status, state.AbortReason, ReasonCancelled)
	}
}

func TestRunStartMovementOverride(t *testing.T) {
	const pieceYAML = `
name: linear
initialMovement: plan
maxMovements: 5
movements:
  - name: plan
    instruction: "Plan."
    rules:
      - condition: ready
        next: implement
  - name: implement
    instruction: "Do."
    rules:
      - condition: finished
        next: COMPLETE
`
	f := newFakeRunner()
	f.respond("implement", "[IMPLEMENT:1]")

	eng := newTestEngine(t, pieceYAML, f, Options{StartMovement: "implement"})
	state, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed", state.Status)
	}
	if calls := f.callsFor("plan"); len(calls) != 0 {
		t.Errorf("plan called %d times despite start override", len(calls))
	}
}

func TestNewValidation(t *testing.T) {
	const pieceYAML = `
name: broken
initialMovement: work
maxMovements: 5
movements:
  - name: work
    instruction: "Work."
    rules:
      - condition: go on
        next: nowhere
`
	cfg, err := piece.Parse([]byte(pieceYAML))
	if err != nil {
		t.Fatalf("parsing piece: %v", err)
	}
	dir := t.TempDir()
	log := logging.NewWithWriter(io.Discard)

	if _, err := New(cfg, dir, "t", newFakeRunner(), log, Options{ProjectCwd: dir}); err == nil {
		t.Error("New accepted a rule targeting an unknown movement")
	} else if !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("error %q does not name the bad target", err)
	}

	// Rule targets inside parallel children are validated too.
	const childYAML = `
name: broken-child
initialMovement: verify
maxMovements: 5
movements:
  - name: verify
    instruction: ""
    parallel:
      - name: sub
        instruction: "Check."
        rules:
          - condition: ok
            next: does_not_exist
    rules:
      - condition: all("ok")
        next: COMPLETE
`
	childCfg, err := piece.Parse([]byte(childYAML))
	if err != nil {
		t.Fatalf("parsing piece: %v", err)
	}
	if _, err := New(childCfg, dir, "t", newFakeRunner(), log, Options{ProjectCwd: dir}); err == nil {
		t.Error("New accepted a parallel child rule targeting an unknown movement")
	} else if !strings.Contains(err.Error(), "does_not_exist") {
		t.Errorf("error %q does not name the bad child target", err)
	}

	const okYAML = `
name: ok
initialMovement: work
maxMovements: 5
movements:
  - name: work
    instruction: "Work."
    rules:
      - condition: finished
        next: COMPLETE
`
	okCfg, err := piece.Parse([]byte(okYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(okCfg, dir, "t", newFakeRunner(), log, Options{ProjectCwd: dir, TaskPrefix: "x"}); err == nil {
		t.Error("New accepted a task prefix without a color index")
	}
	if _, err := New(okCfg, dir, "t", newFakeRunner(), log, Options{ProjectCwd: dir, StartMovement: "missing"}); err == nil {
		t.Error("New accepted an unknown start movement")
	}
	if _, err := New(okCfg, dir, "", newFakeRunner(), log, Options{ProjectCwd: dir}); err == nil {
		t.Error("New accepted an empty task")
	}
}
