// Package ui renders operator-facing output: upload progress lines,
// diagnostic frames and the fan-out push view.
package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	logging "github.com/ipfs/go-log/v2"

	"github.com/franksops/autorec/runctx"
)

var log = logging.Logger("ui")

// Progress prints a progress line each time another tenth of total has
// been written to it.
type Progress struct {
	out   runctx.Printer
	label string
	total int64

	written int64
	step    int64
	start   time.Time
	bar     progress.Model
}

// NewProgress creates a Progress for an upload of total bytes.
func NewProgress(out runctx.Printer, label string, total int64) *Progress {
	return &Progress{
		out:   out,
		label: label,
		total: total,
		start: time.Now(),
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
	}
}

// Write implements io.Writer.
func (p *Progress) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 {
		return len(b), nil
	}
	if step := min(p.written*10/p.total, 10); step > p.step {
		p.step = step
		p.print()
	}
	return len(b), nil
}

// Finish prints the final line if the last step was not reached.
func (p *Progress) Finish() {
	if p.step < 10 {
		p.step = 10
		p.print()
	}
}

func (p *Progress) print() {
	elapsed := time.Since(p.start)
	var bytesPerMs float64
	if ms := elapsed.Milliseconds(); ms > 0 {
		bytesPerMs = float64(p.written) / float64(ms)
	}
	percent := float64(p.step) / 10
	p.out.Printf("%s %3d%% | %s | ETA %s | %s",
		p.bar.ViewAs(percent), p.step*10, formatSpeed(bytesPerMs*1000),
		formatETA(percent, bytesPerMs, p.total, p.written), p.label)
}
