package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"
	"github.com/ship-commander/fleet/internal/doctor"
	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/results"
	"github.com/ship-commander/fleet/internal/store"
)

const outputPreviewWidth = 60

// RenderReport renders a batch report as a summary line followed by one row per task.
func RenderReport(report results.BatchReport) string {
	rows := make([][]string, 0, len(report.PerTask))
	for _, tr := range report.PerTask {
		kind := string(tr.ErrorKind)
		if kind == "" {
			kind = "-"
		}
		rows = append(rows, []string{
			tr.TaskID,
			StatusBadge(string(tr.Status)),
			valueOr(tr.AgentID, "-"),
			formatMillis(tr.DurationMs),
			kind,
			preview(tr.Output),
		})
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("BATCH " + valueOr(report.BatchID, "(unnamed)")))
	b.WriteString("\n")
	b.WriteString(reportSummary(report))
	b.WriteString("\n")
	b.WriteString(renderTable([]string{"TASK", "STATUS", "AGENT", "DURATION", "ERROR", "OUTPUT"}, rows))
	return b.String()
}

func reportSummary(report results.BatchReport) string {
	parts := []string{
		fmt.Sprintf("%d tasks", report.Total),
		SuccessStyle.Render(fmt.Sprintf("%d succeeded", report.Succeeded)),
		ErrorStyle.Render(fmt.Sprintf("%d failed", report.Failed)),
		WarningStyle.Render(fmt.Sprintf("%d timed out", report.TimedOut)),
	}
	if report.Cancelled > 0 {
		parts = append(parts, MutedStyle.Render(fmt.Sprintf("(%d cancelled)", report.Cancelled)))
	}
	parts = append(parts, fmt.Sprintf("%d agents", report.DistinctAgents()))
	if report.WallClock > 0 {
		parts = append(parts, report.WallClock.Round(time.Millisecond).String())
	}
	return strings.Join(parts, MutedStyle.Render(" · "))
}

// RenderAgents renders the registry contents, one row per agent.
func RenderAgents(agents []registry.Agent, now time.Time) string {
	if len(agents) == 0 {
		return MutedStyle.Render("no agents")
	}
	rows := make([][]string, 0, len(agents))
	for _, agent := range agents {
		note := agent.CurrentTaskID
		if agent.State == registry.StateDead {
			note = agent.DeadReason
		}
		rows = append(rows, []string{
			agent.ID,
			StatusBadge(string(agent.State)),
			strconv.Itoa(agent.TasksServed),
			since(now, agent.LastActiveAt),
			valueOr(note, "-"),
			valueOr(agent.Workspace.Path, "-"),
		})
	}
	return renderTable([]string{"AGENT", "STATE", "SERVED", "LAST ACTIVE", "TASK/REASON", "WORKSPACE"}, rows)
}

// RenderHistory renders stored batch summaries, newest first.
func RenderHistory(batches []store.BatchSummary) string {
	if len(batches) == 0 {
		return MutedStyle.Render("no batches recorded")
	}
	rows := make([][]string, 0, len(batches))
	for _, batch := range batches {
		rows = append(rows, []string{
			batch.ID,
			batch.StartedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(batch.Total),
			strconv.Itoa(batch.Succeeded),
			strconv.Itoa(batch.Failed),
			strconv.Itoa(batch.TimedOut),
			batch.WallClock.Round(time.Second).String(),
		})
	}
	return renderTable([]string{"BATCH", "STARTED", "TOTAL", "OK", "FAILED", "TIMEOUT", "WALL"}, rows)
}

// RenderHealth renders one doctor heartbeat.
func RenderHealth(report doctor.HealthReport) string {
	rows := [][]string{
		{"active", strconv.Itoa(report.ActiveAgents)},
		{"idle", strconv.Itoa(report.IdleAgents)},
		{"dead", strconv.Itoa(report.DeadAgents)},
		{"stuck", strconv.Itoa(report.StuckAgents)},
		{"lost", strconv.Itoa(report.LostAgents)},
		{"zombie sessions", strconv.Itoa(report.ZombieSessions)},
	}
	return TitleStyle.Render("HEALTH") + "\n" + renderTable([]string{"CHECK", "COUNT"}, rows)
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(MutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			return CellStyle
		})
	return t.Render()
}

func preview(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "-"
	}
	lines := strings.Split(output, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return ansi.Truncate(ansi.Strip(last), outputPreviewWidth, "…")
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}

func since(now time.Time, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

func valueOr(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
