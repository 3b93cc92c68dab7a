package cli

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/netuidfetch/internal/dispatch"
	"github.com/rshade/netuidfetch/internal/tui"
)

// Summary rendering constants.
const (
	summaryBoxWidth = 60
	maxIDsListed    = 32
)

// renderSummary writes the end-of-run summary: a styled box on terminals,
// plain lines otherwise.
func renderSummary(w io.Writer, r dispatch.Report) error {
	if isWriterTerminal(w) {
		return renderStyledSummary(w, r)
	}
	return renderPlainSummary(w, r)
}

func renderPlainSummary(w io.Writer, r dispatch.Report) error {
	p := message.NewPrinter(language.English)
	s := r.Summary

	if _, err := p.Fprintf(w, "\nDone: %d succeeded, %d failed, %d cancelled of %d in %s\n",
		s.Succeeded, s.Failed, s.Cancelled, s.Total, runDuration(r)); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "Output: %s\n", r.OutDir); err != nil {
		return err
	}
	if ids := r.FailedIDs(); len(ids) > 0 {
		if _, err := p.Fprintf(w, "IDs still failing (likely missing/non-existent or endpoint issues): %s\n",
			joinIDs(ids)); err != nil {
			return err
		}
	}
	if ids := r.CancelledIDs(); len(ids) > 0 {
		if _, err := p.Fprintf(w, "Not started (interrupted): %s\n", joinIDs(ids)); err != nil {
			return err
		}
	}
	return nil
}

func renderStyledSummary(w io.Writer, r dispatch.Report) error {
	p := message.NewPrinter(language.English)
	s := r.Summary

	var content strings.Builder
	content.WriteString(tui.HeaderStyle.Render("FETCH SUMMARY"))
	content.WriteString("\n\n")

	row := func(label string, value string, style lipgloss.Style) {
		content.WriteString(tui.LabelStyle.Render(label))
		content.WriteString(style.Render(value))
		content.WriteString("\n")
	}
	row("Succeeded:  ", p.Sprintf("%d / %d", s.Succeeded, s.Total), tui.SuccessStyle)
	if s.Failed > 0 {
		row("Failed:     ", p.Sprintf("%d", s.Failed), tui.ErrorStyle)
	}
	if s.Cancelled > 0 {
		row("Cancelled:  ", p.Sprintf("%d", s.Cancelled), tui.WarningStyle)
	}
	row("Passes:     ", strconv.Itoa(len(r.Passes)), tui.ValueStyle)
	row("Duration:   ", runDuration(r).String(), tui.ValueStyle)
	row("Output:     ", r.OutDir, tui.ValueStyle)

	if ids := r.FailedIDs(); len(ids) > 0 {
		content.WriteString("\n")
		content.WriteString(tui.ErrorStyle.Render("Still failing: " + joinIDs(ids)))
		content.WriteString("\n")
	}
	if ids := r.CancelledIDs(); len(ids) > 0 {
		content.WriteString("\n")
		content.WriteString(tui.WarningStyle.Render("Not started: " + joinIDs(ids)))
		content.WriteString("\n")
	}
	content.WriteString(tui.SubtleStyle.Render("run " + r.RunID))

	_, err := io.WriteString(w, tui.BoxStyle.Width(summaryBoxWidth).Render(content.String())+"\n")
	return err
}

func runDuration(r dispatch.Report) time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
}

// joinIDs lists ids comma-separated, eliding the tail of long lists.
func joinIDs(ids []int) string {
	parts := make([]string, 0, min(len(ids), maxIDsListed)+1)
	for i, id := range ids {
		if i == maxIDsListed {
			parts = append(parts, "… ("+strconv.Itoa(len(ids)-maxIDsListed)+" more)")
			break
		}
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ", ")
}
