package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/model"
)

var (
	// Colors
	colorRed    = lipgloss.Color("#FF5555")
	colorOrange = lipgloss.Color("#FFB86C")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorGray   = lipgloss.Color("#6272A4")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	labelStyle = lipgloss.NewStyle().Foreground(colorGray)
	critStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	highStyle  = lipgloss.NewStyle().Foreground(colorOrange).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(colorYellow)
	okStyle    = lipgloss.NewStyle().Foreground(colorGreen)
	dimStyle   = lipgloss.NewStyle().Foreground(colorGray)
)

func priorityStyle(p maintenance.Priority) lipgloss.Style {
	switch p {
	case maintenance.PriorityCritical:
		return critStyle
	case maintenance.PriorityHigh:
		return highStyle
	case maintenance.PriorityMedium:
		return warnStyle
	default:
		return okStyle
	}
}

func severityStyle(s model.Severity) lipgloss.Style {
	switch s {
	case model.SeverityCritical:
		return critStyle
	case model.SeverityWarning:
		return warnStyle
	default:
		return dimStyle
	}
}

func renderRecommendations(w io.Writer, recs []maintenance.Recommendation) {
	fmt.Fprintln(w, titleStyle.Render("Maintenance recommendations"))
	if len(recs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  nothing to report"))
		return
	}
	for _, r := range recs {
		var b strings.Builder
		b.WriteString(priorityStyle(r.Priority).Render(fmt.Sprintf("%-8s", r.Priority)))
		b.WriteString(" ")
		b.WriteString(lipgloss.NewStyle().Bold(true).Render(r.Title))
		b.WriteString("\n")
		b.WriteString(r.Description)
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(r.Reasoning))
		if r.CostMax > 0 {
			b.WriteString("\n")
			b.WriteString(labelStyle.Render("Estimated cost: "))
			b.WriteString(fmt.Sprintf("$%.0f-$%.0f", r.CostMin, r.CostMax))
		}
		fmt.Fprintln(w, panelStyle.Width(78).Render(b.String()))
	}
}

func renderAlerts(w io.Writer, alerts []model.Alert) {
	fmt.Fprintln(w, titleStyle.Render("Alerts"))
	if len(alerts) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no alerts"))
		return
	}
	for _, a := range alerts {
		ack := " "
		if a.Acknowledged {
			ack = okStyle.Render("✓")
		}
		fmt.Fprintf(w, "%s %5d  %s  %s  %s\n",
			ack,
			a.ID,
			labelStyle.Render(a.Timestamp.Local().Format("2006-01-02 15:04")),
			severityStyle(a.Severity).Render(fmt.Sprintf("%-8s", a.Severity)),
			a.Title,
		)
		fmt.Fprintf(w, "         %s\n", dimStyle.Render(a.Message))
	}
}

func renderTrips(w io.Writer, trips []model.TripSummary) {
	fmt.Fprintln(w, titleStyle.Render("Trips"))
	if len(trips) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no trips recorded"))
		return
	}
	for _, t := range trips {
		dur := "in progress"
		if t.EndTime != nil {
			dur = t.EndTime.Sub(t.StartTime).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			labelStyle.Render(t.StartTime.Local().Format("2006-01-02 15:04")),
			lipgloss.NewStyle().Bold(true).Render(shortID(t.TripID)),
			dur,
		)
		fmt.Fprintf(w, "    %.1f mi  avg %s mph  max %s rpm  max coolant %s°F  idle %s  hard accel/brake %d/%d\n",
			t.DistanceMiles,
			optional(t.AvgSpeed, 0),
			optional(t.MaxRPM, 0),
			optional(t.MaxCoolantTemp, 0),
			t.IdleTime.Round(time.Second),
			t.HardAccelerations, t.HardBraking,
		)
	}
}

func optional(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, *v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
