package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/jand/internal/metrics"
	"github.com/loykin/jand/pkg/client"
)

// CLI styles
var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

func renderOK(msg string) string    { return styleOK.Render("✓") + " " + msg }
func renderWarn(msg string) string  { return styleWarn.Render("⚠") + " " + msg }
func renderMuted(msg string) string { return styleMuted.Render(msg) }

func renderError(err error) string {
	return styleError.Render("✗") + " " + err.Error()
}

func processState(p client.ProcessInfo) string {
	switch {
	case p.Running:
		return styleOK.Render("running")
	case p.ExitCode != 0:
		return styleError.Render("crashed")
	default:
		return styleMuted.Render("stopped")
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return styleMuted.Render("no")
}

func commandLine(p client.ProcessInfo) string {
	return strings.TrimSpace(p.Filename + " " + strings.Join(p.Arguments, " "))
}

// renderList renders the process table.
func renderList(infos []client.ProcessInfo) string {
	if len(infos) == 0 {
		return renderMuted("no processes")
	}
	rows := [][]string{{"#", "NAME", "PID", "STATE", "RESTARTS", "ENABLED", "COMMAND"}}
	for _, p := range infos {
		pid := "-"
		if p.Running && p.ProcessId > 0 {
			pid = strconv.Itoa(p.ProcessId)
		}
		rows = append(rows, []string{
			strconv.Itoa(p.SafeIndex),
			p.Name,
			pid,
			processState(p),
			strconv.Itoa(p.RestartCount),
			yesNo(p.Enabled),
			commandLine(p),
		})
	}
	widths := make([]int, len(rows[0]))
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	var b strings.Builder
	for n, r := range rows {
		for i, cell := range r {
			if n == 0 {
				cell = styleHeader.Render(cell)
			}
			b.WriteString(cell)
			if i < len(r)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		if n < len(rows)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func renderFields(fields [][2]string) string {
	width := 0
	for _, f := range fields {
		width = max(width, len(f[0]))
	}
	var b strings.Builder
	for i, f := range fields {
		b.WriteString(styleMuted.Render(fmt.Sprintf("%-*s", width, f[0])))
		b.WriteString("  ")
		b.WriteString(f[1])
		if i < len(fields)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// renderInfo renders one process with optional resource usage.
func renderInfo(p client.ProcessInfo, usage *metrics.Usage) string {
	fields := [][2]string{
		{"Name", styleHeader.Render(p.Name)},
		{"Index", strconv.Itoa(p.SafeIndex)},
		{"State", processState(p)},
		{"Command", commandLine(p)},
		{"Directory", p.WorkingDirectory},
		{"PID", strconv.Itoa(p.ProcessId)},
		{"Exit code", strconv.Itoa(p.ExitCode)},
		{"Restarts", fmt.Sprintf("%d (%d unstable)", p.RestartCount, p.CurrentUnstableRestarts)},
		{"Enabled", yesNo(p.Enabled)},
		{"Auto restart", yesNo(p.AutoRestart)},
		{"Watch", yesNo(p.Watch)},
	}
	if usage != nil {
		fields = append(fields,
			[2]string{"CPU", fmt.Sprintf("%.1f%%", usage.CPUPercent)},
			[2]string{"Memory", formatBytes(usage.RSSBytes)},
			[2]string{"Threads", strconv.Itoa(int(usage.NumThreads))},
		)
		if !usage.CreatedAt.IsZero() {
			fields = append(fields, [2]string{"Uptime", time.Since(usage.CreatedAt).Truncate(time.Second).String()})
		}
	}
	return renderFields(fields)
}

func renderStatus(st client.Status, socket string) string {
	saved := styleOK.Render("saved")
	if st.NotSaved {
		saved = styleWarn.Render("unsaved changes")
	}
	return renderFields([][2]string{
		{"Version", st.Version},
		{"Socket", socket},
		{"Directory", st.Directory},
		{"Processes", strconv.Itoa(st.Processes)},
		{"Config", saved},
	})
}

func renderEvent(e client.Event) string {
	s := styleHeader.Render(fmt.Sprintf("%-9s", e.Event)) + " " + e.Process
	if e.Value != "" {
		s += " " + styleMuted.Render(e.Value)
	}
	return s
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
