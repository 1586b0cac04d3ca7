package engine

import (
	"fmt"
	"strings"

	"github.com/yoshihiko555/takt/internal/piece"
)

// RuleMatch identifies which rule of a movement matched and how.
type RuleMatch struct {
	// Index is the 0-based index into the movement's rule list.
	Index  int
	Method string
}

// MovementTag renders the output tag for the i-th (1-based) rule of a
// movement: [NAME_UPPER:i]. Hyphens in the name are preserved; slashes from
// namespaced judge movements are kept as-is.
func MovementTag(movement string, i int) string {
	return fmt.Sprintf("[%s:%d]", strings.ToUpper(movement), i)
}

// DetectTagRule scans the movement's tag rules in order and returns the first
// whose tag occurs in the response text. Detection is a pure substring check
// and therefore idempotent.
func DetectTagRule(m *piece.Movement, responseText string) *RuleMatch {
	for i, r := range m.Rules {
		if r.Parsed.Kind != piece.CondTag {
			continue
		}
		if strings.Contains(responseText, MovementTag(m.Name, i+1)) {
			return &RuleMatch{Index: i, Method: MethodTag}
		}
	}
	return nil
}

// HasAICondition reports whether any rule of the movement defers to a
// status-judgment call.
func HasAICondition(m *piece.Movement) bool {
	for _, r := range m.Rules {
		if r.Parsed.Kind == piece.CondAI {
			return true
		}
	}
	return false
}

// ParseJudgmentTag extracts the matched rule index from a status-judgment
// response. The earliest tag occurrence in the text wins. Returns -1 when no
// tag for this movement is present.
func ParseJudgmentTag(m *piece.Movement, responseText string) int {
	best := -1
	bestPos := -1
	for i := range m.Rules {
		pos := strings.Index(responseText, MovementTag(m.Name, i+1))
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos {
			best = i
			bestPos = pos
		}
	}
	return best
}

// AutoSelectFallback picks the conventional fallback rule when a judgment
// call resolves nothing: the first rule targeting ABORT. Returns -1 when the
// movement has no such rule.
func AutoSelectFallback(m *piece.Movement) int {
	for i, r := range m.Rules {
		if r.Next == piece.NextAbort {
			return i
		}
	}
	return -1
}

// subResult is one parallel sub-movement's contribution to aggregate
// evaluation.
type subResult struct {
	name    string
	content string
	// matched is nil when no rule of the sub-movement matched.
	matched *RuleMatch
	// condition is the literal condition text of the matched rule.
	condition string
}

// EvaluateAggregate evaluates a parallel parent's rules in order against its
// sub-movements' match results. With zero sub-movements both all(...) and
// any(...) are false, so the result is always nil.
func EvaluateAggregate(parent *piece.Movement, subs []subResult) *RuleMatch {
	for i, r := range parent.Rules {
		if aggregateHolds(r.Parsed, subs) {
			return &RuleMatch{Index: i, Method: MethodAggregate}
		}
	}
	return nil
}

func aggregateHolds(cond piece.Condition, subs []subResult) bool {
	if len(subs) == 0 {
		return false
	}
	set := make(map[string]bool, len(cond.Args))
	for _, a := range cond.Args {
		set[a] = true
	}

	switch cond.Kind {
	case piece.CondAll:
		for _, s := range subs {
			if s.matched == nil || !set[s.condition] {
				return false
			}
		}
		return true
	case piece.CondAny:
		for _, s := range subs {
			if s.matched != nil && set[s.condition] {
				return true
			}
		}
		return false
	default:
		return false
	}
}
