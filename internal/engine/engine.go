// Package engine runs a piece: it walks the movement state machine, drives
// the three agent phases per movement, and enforces iteration and loop
// limits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yoshihiko555/takt/internal/agent"
	"github.com/yoshihiko555/takt/internal/logging"
	"github.com/yoshihiko555/takt/internal/piece"
)

// Options configures a single engine run.
type Options struct {
	// ProjectCwd is where the .takt run directory tree lives. Defaults to
	// the working directory.
	ProjectCwd string

	// RunID names the run directory. A fresh UUID is generated when empty.
	RunID string

	Provider       string
	Model          string
	PermissionMode string

	// StartMovement overrides the piece's initial movement, used when
	// re-executing a failed task from where it stopped.
	StartMovement string

	UserInputs []string
	Language   string

	OnStream agent.StreamFunc

	// TaskPrefix and TaskColorIndex label stream output when several tasks
	// run concurrently. Set both or neither.
	TaskPrefix     string
	TaskColorIndex *int

	Hooks *Hooks

	// CallAIJudge overrides the Phase 3 agent call. Tests use it to script
	// judgment outcomes.
	CallAIJudge func(ctx context.Context, m *piece.Movement, responseText string) (int, error)
}

// Engine executes one piece run for one task.
type Engine struct {
	cfg    *piece.Config
	cwd    string
	task   string
	runner agent.Runner
	log    *logging.Logger
	opts   Options

	dirs          *runDirs
	hooks         *Hooks
	builder       *InstructionBuilder
	reportBuilder *ReportInstructionBuilder
	judgeBuilder  StatusJudgmentBuilder

	// sessions maps persona|provider to the agent session to resume.
	// Parallel sub-movements call agents concurrently, so access goes
	// through sessionsMu.
	sessionsMu sync.Mutex
	sessions   map[string]string
	detector   *loopDetector

	now func() time.Time
}

// New validates the piece against the run options and prepares the run
// directory tree.
func New(cfg *piece.Config, cwd, task string, runner agent.Runner, logger *logging.Logger, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: piece config is required")
	}
	if runner == nil {
		return nil, errors.New("engine: agent runner is required")
	}
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("engine: task is required")
	}
	if logger == nil {
		logger = logging.New()
	}
	if (opts.TaskPrefix != "") != (opts.TaskColorIndex != nil) {
		return nil, errors.New("engine: task prefix and color index must be set together")
	}
	if opts.ProjectCwd == "" {
		opts.ProjectCwd = cwd
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	if err := validateRuleTargets(cfg); err != nil {
		return nil, err
	}

	start := cfg.InitialMovement
	if opts.StartMovement != "" {
		start = opts.StartMovement
	}
	if cfg.MovementByName(start) == nil {
		return nil, fmt.Errorf("engine: start movement %q is not defined in piece %q", start, cfg.Name)
	}

	dirs, err := newRunDirs(opts.ProjectCwd, opts.RunID)
	if err != nil {
		return nil, err
	}

	hooks := opts.Hooks
	if hooks == nil {
		hooks = &Hooks{}
	}

	return &Engine{
		cfg:           cfg,
		cwd:           cwd,
		task:          task,
		runner:        runner,
		log:           logger,
		opts:          opts,
		dirs:          dirs,
		hooks:         hooks,
		builder:       NewInstructionBuilder(cfg),
		reportBuilder: NewReportInstructionBuilder(cfg),
		sessions:      make(map[string]string),
		detector:      newLoopDetector(cfg.LoopMonitors),
		now:           time.Now,
	}, nil
}

// validateRuleTargets checks that every transition target of every movement
// and loop judge names a defined movement or a reserved token.
func validateRuleTargets(cfg *piece.Config) error {
	check := func(owner string, rules []*piece.Rule) error {
		for i, r := range rules {
			switch r.Next {
			case piece.NextComplete, piece.NextAbort:
				continue
			default:
				if cfg.MovementByName(r.Next) == nil {
					return fmt.Errorf("engine: movement %q rule %d targets unknown movement %q", owner, i+1, r.Next)
				}
			}
		}
		return nil
	}

	var walk func(m *piece.Movement) error
	walk = func(m *piece.Movement) error {
		if err := check(m.Name, m.Rules); err != nil {
			return err
		}
		for _, sub := range m.Parallel {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	for _, m := range cfg.Movements {
		if err := walk(m); err != nil {
			return err
		}
	}
	for _, lm := range cfg.LoopMonitors {
		if err := check(lm.JudgeName(), lm.Judge.Rules); err != nil {
			return err
		}
	}
	return nil
}

// RunDir returns the root of this run's directory tree.
func (e *Engine) RunDir() string {
	return e.dirs.Root
}

// Run walks the piece until a terminal state. Cancellation and rule-driven
// outcomes end the run with a state, not an error; errors are reserved for
// infrastructure failures.
func (e *Engine) Run(ctx context.Context) (*RunState, error) {
	state := newRunState()
	current := e.cfg.InitialMovement
	if e.opts.StartMovement != "" {
		current = e.opts.StartMovement
	}

	prevOutput := ""

	for {
		if ctx.Err() != nil {
			e.abort(state, ReasonCancelled)
			return state, nil
		}

		// The cap is checked before advancing so a finished run never
		// reports more iterations than the budget allows.
		if state.Iteration >= e.cfg.MaxMovements {
			e.hooks.iterationLimit(state.Iteration, e.cfg.MaxMovements)
			e.abort(state, ReasonIterationLimit)
			return state, nil
		}
		state.Iteration++

		if mon := e.detector.check(current); mon != nil {
			next, err := e.runJudge(ctx, state, mon, prevOutput)
			if err != nil {
				return state, err
			}
			if next == "" {
				return state, nil
			}
			current = next
			continue
		}
		e.detector.push(current)

		m := e.cfg.MovementByName(current)
		state.CurrentMovement = current
		state.IterationCounts[current]++

		output, match, next, err := e.runMovement(ctx, state, m, prevOutput)
		if err != nil {
			if ctx.Err() != nil {
				e.abort(state, ReasonCancelled)
				return state, nil
			}
			return state, err
		}
		if output != nil {
			prevOutput = output.Content
		}
		if match == nil {
			return state, nil
		}

		switch next {
		case piece.NextComplete:
			state.Status = StatusCompleted
			e.hooks.pieceComplete(state)
			return state, nil
		case piece.NextAbort:
			e.abort(state, ReasonRuleAbort)
			return state, nil
		default:
			current = next
		}
	}
}

// runMovement executes one movement through all applicable phases and
// resolves its transition. A nil match with a nil error means the run was
// aborted and state already carries the reason.
func (e *Engine) runMovement(ctx context.Context, state *RunState, m *piece.Movement, prevOutput string) (*MovementOutput, *RuleMatch, string, error) {
	ictx := InstructionContext{
		Task:              e.task,
		Iteration:         state.Iteration,
		MaxMovements:      e.cfg.MaxMovements,
		MovementIteration: state.IterationCounts[m.Name],
		Cwd:               e.cwd,
		ProjectCwd:        e.opts.ProjectCwd,
		ReportDir:         e.dirs.Reports,
		PreviousOutput:    prevOutput,
		UserInputs:        e.opts.UserInputs,
		Language:          e.opts.Language,
	}

	var (
		content  string
		match    *RuleMatch
		agentErr string
	)

	if m.IsParallel() {
		e.hooks.movementStart(m.Name, state.Iteration, "")
		results, aggMatch, err := e.runParallel(ctx, m, ictx)
		if err != nil {
			return nil, nil, "", err
		}
		for _, r := range results {
			out := &MovementOutput{Content: r.content, MatchedRuleIndex: -1}
			if r.matched != nil {
				out.MatchedRuleIndex = r.matched.Index
				out.MatchedRuleMethod = r.matched.Method
			}
			state.Outputs[r.name] = out
		}
		content = aggregateContent(results)
		match = aggMatch
	} else {
		persona, err := e.resolvePersona(m)
		if err != nil {
			return nil, nil, "", err
		}
		instruction := e.builder.Build(m, ictx)
		e.hooks.movementStart(m.Name, state.Iteration, instruction)

		resp, err := e.runExecutePhase(ctx, m, persona, instruction)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, "", ctx.Err()
			}
			if resp == nil {
				return nil, nil, "", err
			}
			// The agent returned output despite failing; rule evaluation
			// still gets a chance to route on it.
			e.log.Warnf("movement %q agent call failed: %v", m.Name, err)
		}
		content = resp.Content
		if resp.IsError() {
			agentErr = strings.TrimSpace(resp.Content)
		}

		// Reports are written before the status judgment so the judged
		// session has already persisted its artifacts.
		e.runReportPhase(ctx, m, persona)

		match = DetectTagRule(m, content)
		if match == nil && HasAICondition(m) {
			idx, jerr := e.runJudgmentPhase(ctx, m, persona, content)
			if jerr != nil {
				return nil, nil, "", jerr
			}
			if idx >= 0 {
				match = &RuleMatch{Index: idx, Method: MethodAIJudge}
			}
		}
		if match == nil {
			if idx := AutoSelectFallback(m); idx >= 0 {
				match = &RuleMatch{Index: idx, Method: MethodAutoSelect}
			}
		}
	}

	output := e.recordOutput(state, m.Name, content, match)
	e.hooks.movementComplete(m.Name, match, content)

	if match == nil {
		reason := ReasonNoMatchingRule
		if agentErr != "" {
			reason = "agent_error: " + agentErr
		}
		e.abort(state, reason)
		return output, nil, "", nil
	}
	return output, match, m.Rules[match.Index].Next, nil
}

// runJudge runs a loop monitor's judge movement in place of the blocked
// iteration. Returns the next movement name, or "" when the run ended;
// the empty case leaves the terminal state recorded on state.
func (e *Engine) runJudge(ctx context.Context, state *RunState, mon *piece.LoopMonitor, prevOutput string) (string, error) {
	monitorID := strings.Join(mon.Cycle, "->")
	e.hooks.cycleDetected(monitorID, mon.Threshold)
	e.log.Warnf("loop detected on cycle %s, invoking judge", monitorID)

	judge := mon.Judge
	judgeName := mon.JudgeName()
	state.CurrentMovement = judgeName
	state.IterationCounts[judgeName]++

	ictx := InstructionContext{
		Task:              e.task,
		Iteration:         state.Iteration,
		MaxMovements:      e.cfg.MaxMovements,
		MovementIteration: state.IterationCounts[judgeName],
		Cwd:               e.cwd,
		ProjectCwd:        e.opts.ProjectCwd,
		ReportDir:         e.dirs.Reports,
		PreviousOutput:    prevOutput,
		UserInputs:        e.opts.UserInputs,
		Language:          e.opts.Language,
	}

	persona, err := e.resolvePersona(judge)
	if err != nil {
		return "", err
	}
	instruction := e.builder.Build(judge, ictx)
	e.hooks.movementStart(judgeName, state.Iteration, instruction)

	resp, err := e.runExecutePhase(ctx, judge, persona, instruction)
	if err != nil {
		if ctx.Err() != nil {
			e.abort(state, ReasonCancelled)
			return "", nil
		}
		if resp == nil {
			return "", err
		}
		e.log.Warnf("judge %q agent call failed: %v", judgeName, err)
	}

	match := detectJudgeRule(judge, judgeName, resp.Content)
	if match == nil && HasAICondition(judge) {
		idx, jerr := e.runJudgmentPhase(ctx, judge, persona, resp.Content)
		if jerr != nil {
			return "", jerr
		}
		if idx >= 0 {
			match = &RuleMatch{Index: idx, Method: MethodAIJudge}
		}
	}

	e.recordOutput(state, judgeName, resp.Content, match)
	e.hooks.movementComplete(judgeName, match, resp.Content)

	// A judge verdict clears the cycle history either way.
	e.detector.reset()

	if match == nil {
		e.abort(state, ReasonLoopUnresolved)
		return "", nil
	}

	switch next := judge.Rules[match.Index].Next; next {
	case piece.NextComplete:
		state.Status = StatusCompleted
		e.hooks.pieceComplete(state)
		return "", nil
	case piece.NextAbort:
		e.abort(state, ReasonRuleAbort)
		return "", nil
	default:
		return next, nil
	}
}

// detectJudgeRule matches tag rules against a judge response. Judge tags use
// the namespaced judge name, so matching goes through the same renderer.
func detectJudgeRule(judge *piece.Movement, judgeName string, responseText string) *RuleMatch {
	for i, r := range judge.Rules {
		if r.Parsed.Kind != piece.CondTag {
			continue
		}
		if strings.Contains(responseText, MovementTag(judgeName, i+1)) ||
			strings.Contains(responseText, MovementTag(judge.Name, i+1)) {
			return &RuleMatch{Index: i, Method: MethodTag}
		}
	}
	return nil
}

func (e *Engine) recordOutput(state *RunState, name, content string, match *RuleMatch) *MovementOutput {
	out := &MovementOutput{Content: content, MatchedRuleIndex: -1}
	if match != nil {
		out.MatchedRuleIndex = match.Index
		out.MatchedRuleMethod = match.Method
	}
	state.Outputs[name] = out

	path, err := e.dirs.snapshotOutput(name, state.IterationCounts[name], content, e.now())
	if err != nil {
		e.log.Warnf("snapshot for movement %q failed: %v", name, err)
	} else {
		state.PreviousResponsePath = path
	}
	return out
}

func (e *Engine) abort(state *RunState, reason string) {
	state.Status = StatusAborted
	state.AbortReason = reason
	e.hooks.pieceAbort(state, reason)
	e.log.Warnf("piece %q aborted: %s", e.cfg.Name, reason)
}
