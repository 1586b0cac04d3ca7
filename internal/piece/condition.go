package piece

import (
	"fmt"
	"regexp"
	"strings"
)

// CondKind discriminates the rule condition variants.
type CondKind int

const (
	// CondTag matches a [MOVEMENT_NAME:N] tag in the agent output.
	CondTag CondKind = iota
	// CondAI defers matching to a status-judgment call: ai("phrase").
	CondAI
	// CondAll is an aggregate rule: all sub-movements matched a condition in
	// the argument set.
	CondAll
	// CondAny is an aggregate rule: at least one sub-movement matched.
	CondAny
)

// String returns the kind name for messages and match-method tags.
func (k CondKind) String() string {
	switch k {
	case CondTag:
		return "tag"
	case CondAI:
		return "ai"
	case CondAll:
		return "all"
	case CondAny:
		return "any"
	default:
		return "unknown"
	}
}

// Condition is the parsed form of a rule condition.
type Condition struct {
	Kind CondKind
	// Args holds the quoted arguments for ai/all/any conditions. Empty for
	// tag conditions, whose matching is positional.
	Args []string
}

// IsAggregate reports whether the condition is all(...) or any(...).
func (c Condition) IsAggregate() bool {
	return c.Kind == CondAll || c.Kind == CondAny
}

// callPattern matches the function-call condition forms: ai(...), all(...), any(...).
var callPattern = regexp.MustCompile(`^(ai|all|any)\s*\((.*)\)\s*$`)

// argPattern extracts one quoted argument.
var argPattern = regexp.MustCompile(`^"((?:[^"\\]|\\.)*)"\s*`)

// ParseCondition normalizes a condition string into its tagged form. Anything
// that is not an ai/all/any call is a tag condition whose text is only a
// human-readable label.
func ParseCondition(raw string) (Condition, error) {
	trimmed := strings.TrimSpace(raw)
	m := callPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Condition{Kind: CondTag}, nil
	}

	args, err := parseArgs(m[2])
	if err != nil {
		return Condition{}, fmt.Errorf("invalid %s(...) condition %q: %w", m[1], raw, err)
	}

	switch m[1] {
	case "ai":
		if len(args) != 1 {
			return Condition{}, fmt.Errorf("invalid ai(...) condition %q: exactly one quoted phrase required", raw)
		}
		return Condition{Kind: CondAI, Args: args}, nil
	case "all":
		if len(args) == 0 {
			return Condition{}, fmt.Errorf("invalid all(...) condition %q: at least one quoted argument required", raw)
		}
		return Condition{Kind: CondAll, Args: args}, nil
	default:
		if len(args) == 0 {
			return Condition{}, fmt.Errorf("invalid any(...) condition %q: at least one quoted argument required", raw)
		}
		return Condition{Kind: CondAny, Args: args}, nil
	}
}

// parseArgs splits a comma-separated list of double-quoted strings.
func parseArgs(s string) ([]string, error) {
	rest := strings.TrimSpace(s)
	if rest == "" {
		return nil, nil
	}

	var args []string
	for {
		m := argPattern.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("expected quoted string at %q", rest)
		}
		args = append(args, unescape(m[1]))
		rest = rest[len(m[0]):]
		if rest == "" {
			return args, nil
		}
		if !strings.HasPrefix(rest, ",") {
			return nil, fmt.Errorf("expected ',' at %q", rest)
		}
		rest = strings.TrimSpace(rest[1:])
		if rest == "" {
			return nil, fmt.Errorf("trailing ',' in argument list")
		}
	}
}

// unescape handles \" and \\ inside quoted arguments.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	escaped := false
	for _, r := range s {
		if escaped {
			sb.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
