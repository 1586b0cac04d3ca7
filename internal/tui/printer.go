// Package tui renders live agent output for one or more concurrent tasks,
// prefixing each line with a colored, width-aligned task label.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/yoshihiko555/takt/internal/agent"
)

// palette cycles per task color index. Standard ANSI foregrounds, skipping
// black and white.
var palette = []string{
	"\x1b[36m", // cyan
	"\x1b[33m", // yellow
	"\x1b[35m", // magenta
	"\x1b[32m", // green
	"\x1b[34m", // blue
	"\x1b[31m", // red
}

const ansiReset = "\x1b[0m"

// StreamPrinter serializes stream events from concurrent tasks onto one
// writer.
type StreamPrinter struct {
	mu          sync.Mutex
	w           io.Writer
	color       bool
	prefixWidth int
}

// NewStreamPrinter creates a printer. prefixWidth is the display width task
// labels are padded to; pass the width of the longest expected label so
// columns line up.
func NewStreamPrinter(w io.Writer, color bool, prefixWidth int) *StreamPrinter {
	return &StreamPrinter{w: w, color: color, prefixWidth: prefixWidth}
}

// StreamFunc returns the callback to install as agent.Options.OnStream for
// one task.
func (p *StreamPrinter) StreamFunc(taskPrefix string, colorIndex int) agent.StreamFunc {
	label := p.label(taskPrefix, colorIndex)
	return func(ev agent.StreamEvent) {
		p.print(label, ev)
	}
}

// Plain returns a callback that prints events without a task label, for
// sequential runs where column alignment adds nothing.
func (p *StreamPrinter) Plain() agent.StreamFunc {
	return func(ev agent.StreamEvent) {
		p.print("", ev)
	}
}

func (p *StreamPrinter) label(prefix string, colorIndex int) string {
	padded := prefix
	if w := runewidth.StringWidth(prefix); w < p.prefixWidth {
		padded = prefix + strings.Repeat(" ", p.prefixWidth-w)
	}
	if !p.color {
		return padded + " | "
	}
	c := palette[((colorIndex%len(palette))+len(palette))%len(palette)]
	return c + padded + ansiReset + " | "
}

func (p *StreamPrinter) print(label string, ev agent.StreamEvent) {
	var text string
	switch ev.Type {
	case "text":
		text = ev.Data
	case "tool":
		text = "[tool] " + ev.Data
	case "system":
		text = "[system] " + ev.Data
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(p.w, "%s%s\n", label, line)
	}
}
