package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/rshade/netuidfetch/internal/dispatch"
)

// linePrinter reports dispatch events as one line each. It is used when
// stdout is not a terminal. Progress goes to out, failures to errOut.
type linePrinter struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
}

var _ dispatch.Observer = (*linePrinter)(nil)

func newLinePrinter(out, errOut io.Writer) *linePrinter {
	return &linePrinter{out: out, errOut: errOut}
}

func (p *linePrinter) printf(w io.Writer, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(w, format, args...)
}

func (p *linePrinter) OnAttemptStart(_, netuid, attempt, maxAttempts int) {
	p.printf(p.out, "Fetching netuid %d … [attempt %d/%d]\n", netuid, attempt, maxAttempts)
}

func (p *linePrinter) OnAttemptFailed(_, netuid, attempt, maxAttempts int, err error) {
	p.printf(p.errOut, "  ✗ Failed for netuid %d: %v [attempt %d/%d]\n", netuid, err, attempt, maxAttempts)
}

func (p *linePrinter) OnItemDone(res dispatch.ItemResult, _, _ int) {
	if res.State == dispatch.StateSucceeded {
		p.printf(p.out, "  ✓ Saved to %s\n", res.Path)
	}
}

// printFailures writes one line per netuid whose final result is failed.
func printFailures(w io.Writer, r dispatch.Report) {
	for _, it := range r.Items {
		if it.State != dispatch.StateFailed {
			continue
		}
		_, _ = fmt.Fprintf(w, "  ✗ Failed for netuid %d: %s [after %d attempts]\n", it.Netuid, it.Error, it.Attempts)
	}
}

func (p *linePrinter) OnPassDone(pass dispatch.Pass) {
	s := pass.Summary
	if pass.Number == 1 {
		p.printf(p.out, "\nPass 1 → Success: %d  Failed: %d  Total: %d\n", s.Succeeded, s.Failed, s.Total)
		return
	}
	p.printf(p.out, "Pass %d → Recovered: %d  Still failed: %d\n", pass.Number, s.Succeeded, s.Failed)
}
