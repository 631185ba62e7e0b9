package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fogwatch/fogwatch/sim"
	"github.com/fogwatch/fogwatch/sim/analysis"
	"github.com/fogwatch/fogwatch/sim/orchestrator"
)

var (
	colorRed     = lipgloss.Color("#FF5555")
	colorYellow  = lipgloss.Color("#F1FA8C")
	colorGreen   = lipgloss.Color("#50FA7B")
	colorCyan    = lipgloss.Color("#8BE9FD")
	colorMagenta = lipgloss.Color("#FF79C6")
	colorGray    = lipgloss.Color("#6272A4")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorMagenta)
	labelStyle  = lipgloss.NewStyle().Foreground(colorGray)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	critStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	panelStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)
)

var (
	reportDir  string // Artifact directory to report on
	reportTop  int    // Number of highest-scoring flagged records to list
	reportFull bool   // Also print the human-readable report
)

// reportCmd renders the artifacts of the latest analysis pass
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the artifacts of the latest analysis pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return renderReport(cmd.OutOrStdout(), analysis.PathsIn(reportDir), reportTop, reportFull)
	},
}

// devicesCmd lists the roster a run would use
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the simulated devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := orchestrator.DefaultConfig()
		if configPath != "" {
			rc, err := loadRunConfig(configPath)
			if err != nil {
				return err
			}
			if err := rc.Apply(&cfg); err != nil {
				return err
			}
		}
		renderDevices(cmd.OutOrStdout(), cfg.Devices)
		return nil
	},
}

// renderReport prints the status, the top flagged records and optionally the report.
func renderReport(w io.Writer, paths analysis.Paths, top int, full bool) error {
	st, err := analysis.ReadStatus(paths.Status)
	if err != nil {
		return err
	}
	records, err := analysis.ReadAnomalies(paths.Anomalies)
	if err != nil {
		return err
	}

	verdict := okStyle.Render("no anomalies")
	if st.AnomaliesDetected {
		verdict = critStyle.Render(fmt.Sprintf("%d anomalies", st.Flagged))
		if st.Severity != analysis.SeverityNone {
			verdict += " " + scoreStyle(st.AnomalyScore).Render(string(st.Severity))
		}
	}
	pass := "periodic"
	if st.Final {
		pass = "final"
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("fogwatch anomaly status") + "\n")
	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("%-14s", label)) + " " + value + "\n")
	}
	row("verdict", verdict)
	row("generated", time.UnixMilli(st.Timestamp).Format(time.RFC3339))
	row("pass", fmt.Sprintf("%s %s", pass, shortID(st.PassID)))
	row("source", fmt.Sprintf("%s (%s, confidence %.2f)", st.Source, st.Algorithm, st.Confidence))
	row("data points", fmt.Sprintf("%d from %d devices", st.DataPoints, st.DevicesCount))
	if st.DominantCategory != "" {
		row("dominant", warnStyle.Render(st.DominantCategory))
	}
	row("max score", fmt.Sprintf("%.3f", st.AnomalyScore))
	fmt.Fprintln(w, panelStyle.Render(strings.TrimRight(sb.String(), "\n")))

	flagged := make([]analysis.AnomalyRecord, 0, len(records))
	for _, r := range records {
		if r.Flag {
			flagged = append(flagged, r)
		}
	}
	sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].Score > flagged[j].Score })
	if top > 0 && len(flagged) > top {
		flagged = flagged[:top]
	}
	if len(flagged) > 0 {
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-10s %-24s %-8s %s", "TIME(ms)", "DEVICE", "SCORE", "TYPE")))
		for _, r := range flagged {
			fmt.Fprintf(w, "%-10d %-24s %s %s\n", r.TimeMs, r.Device,
				scoreStyle(r.Score).Render(fmt.Sprintf("%-8.3f", r.Score)), r.Category)
		}
	}

	if full {
		report, err := analysis.ReadReport(paths.Report)
		if err != nil {
			logrus.Warnf("report: %v", err)
			return nil
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, report)
	}
	return nil
}

func renderDevices(w io.Writer, devices []sim.Device) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-24s %-16s %8s %10s %10s %9s",
		"NAME", "CLASS", "RAM(MB)", "UPLINK(ms)", "BUSY(W)", "WORKLOADS")))
	for _, d := range devices {
		fmt.Fprintf(w, "%-24s %-16s %8d %10.1f %10.2f %9d\n",
			d.Name, d.Class, d.RAMMB, d.UplinkLatencyMs, d.Power.BusyW, d.Workloads)
	}
}

// printResult summarizes a finished run.
func printResult(w io.Writer, res *orchestrator.Result, wall time.Duration) {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("=== Simulation Summary ===") + "\n")
	fmt.Fprintf(&sb, "%s %d ms simulated in %v\n", labelStyle.Render("clock     "), res.SimEndMs, wall.Round(time.Millisecond))
	fmt.Fprintf(&sb, "%s %d rows from %d samples in %s\n", labelStyle.Render("telemetry "), res.Rows, res.Firings, res.LogPath)
	fmt.Fprintf(&sb, "%s %d passes, %d alerts\n", labelStyle.Render("monitor   "), res.MonitorPasses, res.Alerts)
	final := string(res.Final.Outcome)
	switch res.Final.Outcome {
	case analysis.Completed:
		s := res.Final.Result.Summary
		final = okStyle.Render(final) + fmt.Sprintf(" (%s, %d flagged)", res.Final.Source, s.Flagged)
	case analysis.Failed:
		final = critStyle.Render(final) + fmt.Sprintf(" (%v)", res.Final.Err)
	default:
		final = warnStyle.Render(final) + " (" + res.Final.Reason + ")"
	}
	fmt.Fprintf(&sb, "%s %s", labelStyle.Render("final pass"), final)
	if res.PoolForced {
		sb.WriteString("\n" + warnStyle.Render("background tasks were force-cancelled at shutdown"))
	}
	if t := res.Trace; t != nil && t.Firings > 0 {
		fmt.Fprintf(&sb, "\n%s %d firings (%d forced), %d passes, mean pass %v",
			labelStyle.Render("trace     "), t.Firings, t.ForcedFirings, t.TotalPasses, t.MeanPassLatency.Round(time.Millisecond))
	}
	fmt.Fprintln(w, panelStyle.Render(sb.String()))
}

func scoreStyle(score float64) lipgloss.Style {
	switch analysis.SeverityOf(score) {
	case analysis.SeverityHigh:
		return critStyle
	case analysis.SeverityMedium:
		return warnStyle
	default:
		return okStyle
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	reportCmd.Flags().StringVar(&reportDir, "output-dir", orchestrator.DefaultOutputDir, "Directory holding the anomaly artifacts")
	reportCmd.Flags().IntVar(&reportTop, "top", 10, "Number of highest-scoring flagged records to list (0 = all)")
	reportCmd.Flags().BoolVar(&reportFull, "full", false, "Also print the human-readable report")

	devicesCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML run configuration")
}
