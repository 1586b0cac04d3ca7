package engine

// Status of a piece run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Abort reasons surfaced in RunState.AbortReason.
const (
	ReasonCancelled      = "cancelled"
	ReasonIterationLimit = "iteration_limit"
	ReasonNoMatchingRule = "no_matching_rule"
	ReasonLoopUnresolved = "loop_unresolved"
	ReasonRuleAbort      = "rule_abort"
)

// Rule-match methods recorded on movement outputs.
const (
	MethodTag        = "phase1_tag"
	MethodAIJudge    = "ai_judge_fallback"
	MethodAggregate  = "aggregate"
	MethodAutoSelect = "auto_select"
)

// MovementOutput is the recorded result of one executed movement.
type MovementOutput struct {
	Content string
	// MatchedRuleIndex is the 0-based index of the matched rule, or -1.
	MatchedRuleIndex  int
	MatchedRuleMethod string
}

// RunState is the mutable state of a single engine run. It lives for the
// duration of Run; Outputs may be read after completion.
type RunState struct {
	Iteration       int
	Status          Status
	AbortReason     string
	CurrentMovement string

	// Outputs maps movement name to its most recent recorded output.
	Outputs map[string]*MovementOutput

	// IterationCounts maps movement name to the number of times it has been
	// entered in this run.
	IterationCounts map[string]int

	// PreviousResponsePath points at the snapshot file of the most recent
	// movement output, the canonical Previous Response for the next movement.
	PreviousResponsePath string
}

func newRunState() *RunState {
	return &RunState{
		Status:          StatusRunning,
		Outputs:         make(map[string]*MovementOutput),
		IterationCounts: make(map[string]int),
	}
}
