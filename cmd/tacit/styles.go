package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/tacit/internal/events"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "ok", string(rules.StatusApproved), string(rules.RunCompleted):
		return healthyStyle
	case string(rules.StatusPending), string(rules.RunRunning):
		return warningStyle
	default:
		return errorStyle
	}
}

// confidenceStyle colors a confidence by the emission cut-off.
func confidenceStyle(c float64) lipgloss.Style {
	switch {
	case c >= 0.85:
		return healthyStyle
	case c >= 0.6:
		return warningStyle
	default:
		return errorStyle
	}
}

func printRule(w io.Writer, r rules.Rule) {
	fmt.Fprintf(w, "%s %s %s %s\n",
		idStyle.Render(fmt.Sprintf("#%d", r.ID)),
		confidenceStyle(r.Confidence).Render(fmt.Sprintf("%.2f", r.Confidence)),
		labelStyle.Render("["+string(r.Category)+"]"),
		r.Text)
	if r.ProvenanceSummary != "" || r.SourceRef != "" {
		fmt.Fprintf(w, "    %s\n", dimStyle.Render(strings.TrimSpace(string(r.SourceType)+" "+r.SourceRef+" "+r.ProvenanceSummary)))
	}
}

func printTrail(w io.Writer, trail []rules.TrailEntry) {
	for _, e := range trail {
		fmt.Fprintf(w, "  %s %s %s\n",
			dimStyle.Render(e.Timestamp.Format("2006-01-02 15:04")),
			labelStyle.Render(string(e.EventType)),
			e.Description)
	}
}

func printProposal(w io.Writer, p rules.Proposal) {
	fmt.Fprintf(w, "%s %s %s %s %s\n",
		idStyle.Render(fmt.Sprintf("#%d", p.ID)),
		statusStyle(string(p.Status)).Render(string(p.Status)),
		confidenceStyle(p.Confidence).Render(fmt.Sprintf("%.2f", p.Confidence)),
		labelStyle.Render("["+string(p.Category)+"]"),
		p.Text)
	fmt.Fprintf(w, "    %s\n", dimStyle.Render(fmt.Sprintf("proposed by %s, %d contributor(s)", p.ProposedBy, p.ContributorCount)))
}

func printEvent(w io.Writer, e events.Event) {
	style := dimStyle
	switch e.Type {
	case events.Complete:
		style = healthyStyle
	case events.Error:
		style = errorStyle
	case events.RuleFound:
		style = labelStyle
	case events.StageChange:
		style = headerStyle
	}
	fmt.Fprintf(w, "%s %s\n", style.Render(fmt.Sprintf("%-12s", e.Stage)), e.Message)
}
