package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"conductor-council/internal/council"
)

func renderStarted(w io.Writer, p startPayload) {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Council started") + "\n\n")
	sb.WriteString(labelStyle.Render("Job: ") + valueStyle.Render(p.JobID) + "\n")
	sb.WriteString(labelStyle.Render("Dir: ") + pathStyle.Render(p.JobDir) + "\n")
	sb.WriteString(renderDivider(50) + "\n")
	for _, e := range p.Entities {
		sb.WriteString(fmt.Sprintf("%s %s %s\n", iconQueued, memberNameStyle.Render(fmt.Sprintf("%-16s", e.Name)), labelStyle.Render(e.Command)))
	}
	sb.WriteString("\n" + labelStyle.Render("Next: ") + valueStyle.Render("conductor council wait "+p.JobID) + "\n")
	fmt.Fprint(w, sb.String())
}

// renderCounts renders non-zero state counts, e.g. "done 2 · running 1".
func renderCounts(counts map[council.State]int) string {
	parts := []string{}
	for _, s := range council.AllStates {
		if n := counts[s]; n > 0 {
			parts = append(parts, stateStyle(s).Render(fmt.Sprintf("%s %d", s, n)))
		}
	}
	if len(parts) == 0 {
		return statusIdleStyle.Render("no records yet")
	}
	return strings.Join(parts, labelStyle.Render(" · "))
}

func renderSnapshot(w io.Writer, snap *council.Snapshot) {
	fmt.Fprint(w, snapshotView(snap))
}

func snapshotView(snap *council.Snapshot) string {
	var sb strings.Builder
	title := titleStyle.Render("Council " + snap.JobID)
	sb.WriteString(title + "  " + stateStyle(snap.State).Render(string(snap.State)) + "\n\n")
	sb.WriteString(labelStyle.Render("Dir: ") + pathStyle.Render(snap.JobDir) + "\n")
	sb.WriteString(labelStyle.Render("Progress: ") + valueStyle.Render(fmt.Sprintf("%d/%d", snap.TerminalCount(), snap.Total)) + "  " + renderCounts(snap.Counts) + "\n")
	sb.WriteString(labelStyle.Render("Cursor: ") + valueStyle.Render(snap.Cursor) + "\n")
	sb.WriteString(renderDivider(50) + "\n")

	for _, e := range snap.Entities {
		rec := e.Status
		name := rec.Entity
		if name == "" {
			name = e.SafeName
		}
		line := fmt.Sprintf("%s %s %s", renderStateIcon(rec.State), memberNameStyle.Render(fmt.Sprintf("%-16s", name)), stateStyle(rec.State).Render(fmt.Sprintf("%-11s", rec.State)))
		if d := recordDuration(rec, snap.GeneratedAt); d > 0 {
			line += " " + labelStyle.Render(d.Round(100*time.Millisecond).String())
		}
		if rec.Attempt > 0 {
			line += " " + statusWarnStyle.Render(fmt.Sprintf("attempt %d", rec.Attempt+1))
		}
		sb.WriteString(line + "\n")
		if rec.Message != nil && *rec.Message != "" && rec.State != council.StateDone {
			sb.WriteString("    " + labelStyle.Render(*rec.Message) + "\n")
		}
	}
	if len(snap.Reaped) > 0 {
		sb.WriteString("\n" + statusWarnStyle.Render("Reaped: "+strings.Join(snap.Reaped, ", ")) + "\n")
	}
	return sb.String()
}

// recordDuration is how long the member has run, or ran.
func recordDuration(rec council.StatusRecord, now time.Time) time.Duration {
	if rec.StartedAt == nil {
		return 0
	}
	end := now
	if rec.FinishedAt != nil {
		end = *rec.FinishedAt
	}
	return end.Sub(*rec.StartedAt)
}

func renderWait(w io.Writer, res *council.WaitResult) {
	var sb strings.Builder
	sb.WriteString(snapshotView(res.Snapshot))
	sb.WriteString("\n")
	switch {
	case res.TimedOut:
		sb.WriteString(statusWarnStyle.Render("Timed out waiting; nothing changed") + "\n")
	case res.State == council.StateDone:
		sb.WriteString(statusOKStyle.Render("All members finished") + "\n")
	default:
		sb.WriteString(statusActiveStyle.Render("Progress") + " " + labelStyle.Render(res.PreviousCursor) + " " + iconArrow + " " + valueStyle.Render(res.Cursor) + "\n")
	}
	fmt.Fprint(w, sb.String())
}

func renderResults(w io.Writer, res *council.JobResults) {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Council results "+res.JobID) + "\n")
	for _, e := range res.Entities {
		state := council.State("")
		if e.Status != nil {
			state = e.Status.State
		}
		header := renderStateIcon(state) + " " + memberNameStyle.Render(e.Name)
		if state != "" {
			header += " " + stateStyle(state).Render(string(state))
		}
		sb.WriteString("\n" + header + "\n")
		if e.Status != nil && e.Status.Message != nil && *e.Status.Message != "" {
			sb.WriteString(labelStyle.Render(*e.Status.Message) + "\n")
		}
		if out := strings.TrimSpace(e.Output); out != "" {
			sb.WriteString(outputBoxStyle.Render(out) + "\n")
		}
		if errText := strings.TrimSpace(e.Error); errText != "" && state != council.StateDone {
			sb.WriteString(errorBoxStyle.Render(errText) + "\n")
		}
		if e.Truncated {
			sb.WriteString(labelStyle.Render("(truncated)") + "\n")
		}
	}
	fmt.Fprint(w, sb.String())
}

func renderStop(w io.Writer, res *council.StopResult) {
	var sb strings.Builder
	if len(res.Signaled) == 0 && len(res.Gone) == 0 {
		sb.WriteString(labelStyle.Render("Nothing running in "+res.JobID) + "\n")
	}
	for _, name := range res.Signaled {
		sb.WriteString(iconOK + " " + memberNameStyle.Render(name) + " " + labelStyle.Render("sent SIGTERM") + "\n")
	}
	for _, name := range res.Gone {
		sb.WriteString(iconMissing + " " + memberNameStyle.Render(name) + " " + labelStyle.Render("already gone") + "\n")
	}
	fmt.Fprint(w, sb.String())
}

func renderJobList(w io.Writer, jobs []council.JobSummary) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, labelStyle.Render("No jobs."))
		return
	}
	rows := make([]string, 0, len(jobs))
	for _, j := range jobs {
		done := 0
		for s, n := range j.Counts {
			if s.Terminal() {
				done += n
			}
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			renderStateIcon(j.State)+" ",
			valueStyle.Width(34).Render(j.ID),
			stateStyle(j.State).Width(9).Render(string(j.State)),
			labelStyle.Width(7).Render(fmt.Sprintf("%d/%d", done, j.Total)),
			labelStyle.Render(j.CreatedAt.Local().Format("2006-01-02 15:04")),
		))
	}
	fmt.Fprintln(w, strings.Join(rows, "\n"))
}
