package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/leadops/internal/doctor"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/runner"
)

// palette styles CLI output.
type palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

// paletteFor styles output only when w is an interactive terminal and
// NO_COLOR is unset.
func paletteFor(w io.Writer) palette {
	f, ok := w.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) || os.Getenv("NO_COLOR") != "" {
		plain := lipgloss.NewStyle()
		return palette{title: plain, ok: plain, warn: plain, bad: plain, dim: plain}
	}
	return palette{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func renderTick(w io.Writer, s runner.TickSummary) {
	p := paletteFor(w)
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("Tick at %s", s.StartedAt.Format(time.RFC3339))))
	fmt.Fprintf(w, "processed %d  %s  %s  %s\n",
		s.Processed,
		p.ok.Render(fmt.Sprintf("succeeded %d", s.Succeeded)),
		p.bad.Render(fmt.Sprintf("failed %d", s.Failed)),
		p.dim.Render(s.Duration.Round(time.Millisecond).String()),
	)
	for _, t := range s.Tasks {
		mark := p.ok.Render("ok  ")
		if !t.Success {
			mark = p.bad.Render("FAIL")
		}
		line := fmt.Sprintf("  %s %-18s %-28s %s", mark, t.Role, t.Action, p.dim.Render(t.TaskID))
		if t.Error != "" {
			line += "  " + t.Error
		}
		if t.Critical {
			line += "  " + p.warn.Render("[alerted]")
		}
		fmt.Fprintln(w, line)
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintln(w, p.warn.Render("skipped: "+strings.Join(s.Skipped, ", ")))
	}
}

func renderAgents(w io.Writer, agents []persistence.AgentRecord) {
	p := paletteFor(w)
	if len(agents) == 0 {
		fmt.Fprintln(w, p.dim.Render("no agents"))
		return
	}
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("%-36s  %-20s  %-18s  %s", "ID", "NAME", "ROLE", "ACTIVE")))
	for _, a := range agents {
		active := p.ok.Render("yes")
		if !a.IsActive {
			active = p.dim.Render("no")
		}
		fmt.Fprintf(w, "%-36s  %-20s  %-18s  %s\n", a.ID, a.Name, a.Role, active)
	}
}

func renderDoctor(w io.Writer, d doctor.Diagnosis) {
	p := paletteFor(w)
	fmt.Fprintln(w, p.title.Render(fmt.Sprintf("leadops doctor (%s)", d.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
	fmt.Fprintln(w, "---")
	for _, r := range d.Results {
		var status string
		switch r.Status {
		case doctor.StatusPass:
			status = p.ok.Render(r.Status)
		case doctor.StatusWarn:
			status = p.warn.Render(r.Status)
		case doctor.StatusFail:
			status = p.bad.Render(r.Status)
		default:
			status = p.dim.Render(r.Status)
		}
		fmt.Fprintf(w, "%s  %-12s %s\n", status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintln(w, "      "+p.dim.Render(r.Detail))
		}
	}
}

func renderDigest(w io.Writer, d notify.Digest) {
	p := paletteFor(w)
	text := notify.FormatDigest(d)
	head, rest, _ := strings.Cut(text, "\n")
	fmt.Fprintln(w, p.title.Render(head))
	if rest != "" {
		fmt.Fprintln(w, rest)
	}
}
