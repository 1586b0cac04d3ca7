package engine

import "sync"

// Phase kinds reported on phase events.
const (
	PhaseKindExecute  = "execute"
	PhaseKindReport   = "report"
	PhaseKindJudgment = "status_judgment"
)

// Hooks is the engine's typed listener surface. All callbacks are optional
// and are invoked synchronously. Emissions are serialized even when parallel
// sub-movements report phases concurrently, so handlers need no locking of
// their own.
type Hooks struct {
	mu sync.Mutex

	// MovementStart fires before a movement executes. Parallel parents fire
	// with an empty instruction; consumers must tolerate it.
	MovementStart func(movement string, iteration int, instruction string)

	// MovementComplete fires after a movement's output has been recorded.
	// match is nil when no rule matched.
	MovementComplete func(movement string, match *RuleMatch, output string)

	// CycleDetected fires when a loop monitor reaches its threshold.
	CycleDetected func(monitor string, cycleCount int)

	// PhaseStart/PhaseComplete bracket each agent call of a movement.
	// phase is 1 (execute), 2 (report), or 3 (status judgment).
	PhaseStart    func(movement string, phase int, kind string, instructionPreview string)
	PhaseComplete func(movement string, phase int, kind string, content string, status string, err error)

	// IterationLimit fires once when the iteration budget is exhausted.
	IterationLimit func(iteration, limit int)

	// PieceComplete / PieceAbort fire exactly once per run on the
	// corresponding terminal state.
	PieceComplete func(state *RunState)
	PieceAbort    func(state *RunState, reason string)
}

func (h *Hooks) movementStart(movement string, iteration int, instruction string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MovementStart != nil {
		h.MovementStart(movement, iteration, instruction)
	}
}

func (h *Hooks) movementComplete(movement string, match *RuleMatch, output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MovementComplete != nil {
		h.MovementComplete(movement, match, output)
	}
}

func (h *Hooks) cycleDetected(monitor string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CycleDetected != nil {
		h.CycleDetected(monitor, count)
	}
}

func (h *Hooks) phaseStart(movement string, phase int, kind, preview string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PhaseStart != nil {
		h.PhaseStart(movement, phase, kind, preview)
	}
}

func (h *Hooks) phaseComplete(movement string, phase int, kind, content, status string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PhaseComplete != nil {
		h.PhaseComplete(movement, phase, kind, content, status, err)
	}
}

func (h *Hooks) iterationLimit(iteration, limit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.IterationLimit != nil {
		h.IterationLimit(iteration, limit)
	}
}

func (h *Hooks) pieceComplete(state *RunState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PieceComplete != nil {
		h.PieceComplete(state)
	}
}

func (h *Hooks) pieceAbort(state *RunState, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PieceAbort != nil {
		h.PieceAbort(state, reason)
	}
}
