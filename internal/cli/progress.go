package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// progress prints a one-line counter for multi-file commands. It only
// draws when w is a terminal.
type progress struct {
	w       io.Writer
	total   int
	enabled bool
}

func newProgress(w io.Writer, total int) *progress {
	p := &progress{w: w, total: total}
	if f, ok := w.(*os.File); ok && total > 1 {
		p.enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

// Step reports that item n of total has started.
func (p *progress) Step(n int, name string) {
	if !p.enabled {
		return
	}
	fmt.Fprintf(p.w, "\r\033[K[%d/%d] %s", n, p.total, name)
}

// Done clears the progress line.
func (p *progress) Done() {
	if !p.enabled {
		return
	}
	fmt.Fprint(p.w, "\r\033[K")
}
