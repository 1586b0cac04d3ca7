package engine

import "github.com/yoshihiko555/takt/internal/piece"

// loopDetector watches the sequence of entered movements for configured
// cycles. History is bounded by the largest window any monitor can need.
type loopDetector struct {
	monitors []*piece.LoopMonitor
	history  []string
	cap      int
}

func newLoopDetector(monitors []*piece.LoopMonitor) *loopDetector {
	capacity := 0
	for _, m := range monitors {
		if n := len(m.Cycle) * (m.Threshold + 1); n > capacity {
			capacity = n
		}
	}
	return &loopDetector{monitors: monitors, cap: capacity}
}

// push records an entered movement after its loop check has passed.
func (d *loopDetector) push(movement string) {
	if d.cap == 0 {
		return
	}
	d.history = append(d.history, movement)
	if len(d.history) > d.cap {
		d.history = d.history[len(d.history)-d.cap:]
	}
}

// check reports the first monitor whose cycle, followed by the movement about
// to be entered, has repeated at least Threshold times at the tail of the
// history. The check runs before the movement is pushed.
func (d *loopDetector) check(next string) *piece.LoopMonitor {
	for _, m := range d.monitors {
		if m.Cycle[0] != next {
			continue
		}
		if d.tailRepetitions(m.Cycle) >= m.Threshold {
			return m
		}
	}
	return nil
}

// tailRepetitions counts how many complete copies of cycle sit consecutively
// at the end of the history.
func (d *loopDetector) tailRepetitions(cycle []string) int {
	n := len(cycle)
	count := 0
	for end := len(d.history); end >= n; end -= n {
		match := true
		for j := 0; j < n; j++ {
			if d.history[end-n+j] != cycle[j] {
				match = false
				break
			}
		}
		if !match {
			break
		}
		count++
	}
	return count
}

// reset clears the history after a judge intervenes, so the cycle must
// re-accumulate from scratch before firing again.
func (d *loopDetector) reset() {
	d.history = d.history[:0]
}
