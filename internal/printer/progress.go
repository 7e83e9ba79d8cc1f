package printer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/funnyzak/tapkit/pkg/progress"
)

const defaultBarWidth = 30

// ProgressBar renders transfer events as a single redrawn terminal line.
type ProgressBar struct {
	out   io.Writer
	label string
	width int

	mu       sync.Mutex
	finished bool
	done     *color.Color
	failed   *color.Color
}

// NewProgressBar creates a bar writing to out. Width is the number of cells
// in the bar itself.
func NewProgressBar(out io.Writer, label string, width int) *ProgressBar {
	if width <= 0 {
		width = defaultBarWidth
	}
	return &ProgressBar{
		out:    out,
		label:  label,
		width:  width,
		done:   color.New(color.FgGreen, color.Bold),
		failed: color.New(color.FgRed, color.Bold),
	}
}

// Listener returns the bar as a progress listener.
func (b *ProgressBar) Listener() progress.Listener {
	return b.Update
}

// Update redraws the bar for ev.
func (b *ProgressBar) Update(ev progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}

	switch ev.Phase {
	case progress.PhaseFinish:
		b.finished = true
		b.draw(ev)
		b.done.Fprintf(b.out, "\n%s done: %s in %s\n", b.label, humanize.Bytes(uint64(ev.Current)), ev.Elapsed.Round(time.Millisecond))
	case progress.PhaseError:
		b.finished = true
		b.draw(ev)
		b.failed.Fprintf(b.out, "\n%s failed after %s: %v\n", b.label, humanize.Bytes(uint64(ev.Current)), ev.Err)
	default:
		b.draw(ev)
	}
}

func (b *ProgressBar) draw(ev progress.Event) {
	total := "?"
	if ev.Total >= 0 {
		total = humanize.Bytes(uint64(ev.Total))
	}
	pct := ev.Percent()
	if pct < 0 {
		// unknown length
		fmt.Fprintf(b.out, "\r%s [%s] %s / %s", b.label, strings.Repeat("?", b.width), humanize.Bytes(uint64(ev.Current)), total)
		return
	}
	filled := int(pct / 100 * float64(b.width))
	if filled > b.width {
		filled = b.width
	}
	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", b.width-filled) + "]"
	fmt.Fprintf(b.out, "\r%s %s %5.1f%% %s / %s", b.label, bar, pct, humanize.Bytes(uint64(ev.Current)), total)
}
