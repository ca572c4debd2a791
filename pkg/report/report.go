// Package report renders fuzzing progress and results on a terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/alephresearch/abootool/pkg/fuzz"
)

const (
	bold  = "\033[1m"
	reset = "\033[0m"
)

// Terminal is a fuzz.Sink writing a single, continuously rewritten progress
// line followed by a dump of the results.
type Terminal struct {
	W io.Writer
	// Streaming must match the engine; the total is unknown then, so no
	// progress bar is drawn.
	Streaming  bool
	ShowOutput bool

	dirty bool
}

var tabs = strings.NewReplacer("\t", "    ")

func bar(i, n int) string {
	t := 0
	if n > 0 {
		t = i * 10 / n
	}
	t = min(max(t, 0), 10)
	return strings.Repeat("#", t) + strings.Repeat(".", 10-t)
}

func (t *Terminal) Progress(p fuzz.Progress) {
	cmd := tabs.Replace(p.Candidate)
	last := tabs.Replace(p.LastPositive)
	i := p.Index + 1

	fmt.Fprint(t.W, "\r"+bold)
	if t.Streaming {
		fmt.Fprintf(t.W, "[%06d/+%02d/R%02d/T%02d/E%02d] [CMD: %13.13s] [LAST: %13.13s]",
			i, p.Positives, p.Restricted, p.TimedOut, p.UsbErrors, cmd, last)
	} else {
		fmt.Fprintf(t.W, "[%s] [%06d/%06d/+%02d/R%02d/T%02d/E%02d] [CMD: %8.8s] [LAST: %8.8s]",
			bar(i, p.Total), i, p.Total, p.Positives, p.Restricted, p.TimedOut, p.UsbErrors, cmd, last)
	}
	fmt.Fprint(t.W, reset)
	t.dirty = true
}

func (t *Terminal) Finish(r *fuzz.Results) {
	if t.dirty {
		fmt.Fprintln(t.W)
		t.dirty = false
	}
	for _, ns := range r.Named() {
		cmds := ns.Set.Sorted()
		fmt.Fprintf(t.W, "Found %d %s OEM commands\n", len(cmds), ns.Name)
		for i, c := range cmds {
			fmt.Fprintf(t.W, "%2d. %s\n", i+1, c)
			if !t.ShowOutput {
				continue
			}
			res := ns.Set[c]
			if res.Message != "" {
				fmt.Fprintf(t.W, "    FAIL: %s\n", res.Message)
			}
			if res.Response != "" {
				fmt.Fprintf(t.W, "    %s\n", strings.ReplaceAll(res.Response, "\n", "\n    "))
			}
		}
	}
}
