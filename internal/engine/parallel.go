package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yoshihiko555/takt/internal/piece"
)

// runParallel executes a parallel parent's sub-movements concurrently and
// aggregates their results. The first hard failure cancels the siblings.
// Sub-movement rule matching is tag-only; aggregation over the parent's
// all(...)/any(...) rules happens after every sub finishes.
func (e *Engine) runParallel(ctx context.Context, parent *piece.Movement, ictx InstructionContext) ([]subResult, *RuleMatch, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]subResult, len(parent.Parallel))
	errs := make([]error, len(parent.Parallel))

	var wg sync.WaitGroup
	for i, sub := range parent.Parallel {
		wg.Add(1)
		go func(i int, sub *piece.Movement) {
			defer wg.Done()
			res, err := e.runSubMovement(subCtx, sub, ictx)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			results[i] = res
		}(i, sub)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}

	match := EvaluateAggregate(parent, results)
	return results, match, nil
}

// runSubMovement runs one child of a parallel block. Children run their
// execute and report phases like top-level movements but skip status
// judgment; their matched condition feeds the parent's aggregate instead.
func (e *Engine) runSubMovement(ctx context.Context, sub *piece.Movement, ictx InstructionContext) (subResult, error) {
	persona, err := e.resolvePersona(sub)
	if err != nil {
		return subResult{}, err
	}
	instruction := e.builder.Build(sub, ictx)

	resp, err := e.runExecutePhase(ctx, sub, persona, instruction)
	if err != nil {
		if ctx.Err() != nil {
			return subResult{}, ctx.Err()
		}
		if resp == nil {
			return subResult{}, fmt.Errorf("sub-movement %q: %w", sub.Name, err)
		}
		e.log.Warnf("sub-movement %q agent call failed: %v", sub.Name, err)
	}

	e.runReportPhase(ctx, sub, persona)

	res := subResult{name: sub.Name, content: resp.Content}
	if m := DetectTagRule(sub, resp.Content); m != nil {
		res.matched = m
		res.condition = sub.Rules[m.Index].Condition
	}
	return res, nil
}

// aggregateContent renders the combined output of a parallel block in
// declaration order, one section per sub-movement.
func aggregateContent(results []subResult) string {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", r.name, strings.TrimSpace(r.content)))
	}
	return strings.Join(sections, "\n\n---\n\n")
}
