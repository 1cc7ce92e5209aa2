package snapshot

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	progressHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	progressNameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// RenderTable renders one line per repo with its status label. Colors are
// applied when styled is set.
func RenderTable(views []RepoView, styled bool) string {
	nameWidth, userWidth := len("Repository"), len("Username")
	for _, view := range views {
		nameWidth = max(nameWidth, len(view.Name))
		userWidth = max(userWidth, len(view.Username))
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-*s   %-*s   %s", nameWidth, "Repository", userWidth, "Username", "Status")
	done := 0
	for _, view := range views {
		if view.Terminal {
			done++
		}
	}
	header += fmt.Sprintf("  (%d/%d)", done, len(views))
	if styled {
		header = progressHeaderStyle.Render(header)
	}
	b.WriteString(header)
	b.WriteByte('\n')

	for _, view := range views {
		name := fmt.Sprintf("%-*s", nameWidth, view.Name)
		label := view.Label
		if styled {
			name = progressNameStyle.Render(name)
			label = lipgloss.NewStyle().Foreground(view.status.Color()).Render(label)
		}
		fmt.Fprintf(&b, "  %s : %-*s : %s\n", name, userWidth, view.Username, label)
	}
	return b.String()
}

// ProgressPrinter redraws the repo table on a terminal until stopped.
type ProgressPrinter struct {
	out      io.Writer
	interval time.Duration
	snapshot func() []RepoView

	mu    sync.Mutex
	lines int
}

// NewProgressPrinter creates a printer reading views from snapshot.
func NewProgressPrinter(out io.Writer, interval time.Duration, snapshot func() []RepoView) *ProgressPrinter {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &ProgressPrinter{out: out, interval: interval, snapshot: snapshot}
}

// Run redraws until ctx is done, then draws the final frame.
func (p *ProgressPrinter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Draw()
			return
		case <-ticker.C:
			p.Draw()
		}
	}
}

// Draw replaces the previous frame with the current table.
func (p *ProgressPrinter) Draw() {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame := RenderTable(p.snapshot(), true)
	p.clearLocked()
	_, _ = io.WriteString(p.out, frame)
	p.lines = strings.Count(frame, "\n")
}

func (p *ProgressPrinter) clearLocked() {
	if p.lines > 0 {
		// Move to the start of the previous frame and clear below it.
		_, _ = fmt.Fprintf(p.out, "\x1b[%dA\x1b[J", p.lines)
		p.lines = 0
	}
}

// Writer returns a writer whose output scrolls above the table instead of
// tearing it.
func (p *ProgressPrinter) Writer() io.Writer {
	return progressWriter{printer: p}
}

type progressWriter struct {
	printer *ProgressPrinter
}

func (w progressWriter) Write(b []byte) (int, error) {
	w.printer.mu.Lock()
	defer w.printer.mu.Unlock()
	w.printer.clearLocked()
	return w.printer.out.Write(b)
}
