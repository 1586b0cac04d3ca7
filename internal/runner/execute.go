// Package runner drains the task queue through a bounded worker pool, one
// engine run per task.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/yoshihiko555/takt/internal/agent"
	"github.com/yoshihiko555/takt/internal/engine"
	"github.com/yoshihiko555/takt/internal/logging"
	"github.com/yoshihiko555/takt/internal/piece"
	"github.com/yoshihiko555/takt/internal/task"
	"github.com/yoshihiko555/takt/internal/tui"
)

// Options configures task execution, shared by all workers of a pool.
type Options struct {
	Cwd        string
	ProjectCwd string

	// DefaultPiece is used for tasks that do not name their own piece.
	DefaultPiece string

	Provider       string
	Model          string
	PermissionMode string
	Language       string

	// Concurrency is the pool's worker count. Stream output gets task
	// prefixes and colors only when it exceeds one.
	Concurrency int

	Agent   agent.Runner
	Printer *tui.StreamPrinter
	Logger  *logging.Logger
}

// ExecuteAndCompleteTask runs one claimed task end to end and records the
// outcome on the store. Returns true when the task completed.
func ExecuteAndCompleteTask(ctx context.Context, store *task.Store, t *task.Record, colorIndex int, opts Options) bool {
	log := opts.Logger.WithPrefix(t.Name)

	fail := func(f *task.Failure) bool {
		log.Errorf("task failed: %s", f.Error)
		if err := store.FailTask(t.Name, f); err != nil {
			log.Errorf("recording failure: %v", err)
		}
		return false
	}

	pieceRef := t.Piece
	if pieceRef == "" {
		pieceRef = opts.DefaultPiece
	}
	if pieceRef == "" {
		return fail(&task.Failure{Error: "no piece configured for task"})
	}

	cfg, err := piece.Resolve(opts.ProjectCwd, pieceRef)
	if err != nil {
		return fail(&task.Failure{Error: fmt.Sprintf("resolving piece %q: %v", pieceRef, err)})
	}

	engOpts := engine.Options{
		ProjectCwd:     opts.ProjectCwd,
		Provider:       opts.Provider,
		Model:          opts.Model,
		PermissionMode: opts.PermissionMode,
		Language:       opts.Language,
		StartMovement:  t.StartMovement,
	}
	if opts.Concurrency > 1 {
		engOpts.TaskPrefix = t.Name
		engOpts.TaskColorIndex = &colorIndex
		if opts.Printer != nil {
			engOpts.OnStream = opts.Printer.StreamFunc(t.Name, colorIndex)
		}
	} else if opts.Printer != nil {
		engOpts.OnStream = opts.Printer.Plain()
	}

	content := t.Content
	if t.RetryNote != "" {
		content = content + "\n\n" + t.RetryNote
	}

	eng, err := engine.New(cfg, opts.Cwd, content, opts.Agent, log, engOpts)
	if err != nil {
		return fail(&task.Failure{Error: err.Error()})
	}

	log.Infof("running piece %q (run dir %s)", cfg.Name, eng.RunDir())
	state, err := eng.Run(ctx)
	if err != nil {
		return fail(&task.Failure{
			Movement: state.CurrentMovement,
			Error:    err.Error(),
		})
	}

	if state.Status == engine.StatusCompleted {
		log.Infof("task completed after %d iterations", state.Iteration)
		if err := store.CompleteTask(t.Name, lastMessage(state)); err != nil {
			log.Errorf("recording completion: %v", err)
		}
		return true
	}

	return fail(&task.Failure{
		Movement:    state.CurrentMovement,
		Error:       state.AbortReason,
		LastMessage: lastMessage(state),
	})
}

func lastMessage(state *engine.RunState) string {
	out, ok := state.Outputs[state.CurrentMovement]
	if !ok {
		return ""
	}
	msg := strings.TrimSpace(out.Content)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
