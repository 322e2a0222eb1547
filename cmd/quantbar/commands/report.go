package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"quantbar/internal/gather"
)

var (
	reportSource string
	reportRange  rangeFlags
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print mission completeness per symbol",
	Long: `Counts the missions of each symbol by state: pending, filled and
confirmed empty, with the stored row totals.

Example:
  quantbar report --source cnfut
  quantbar report --source okx --symbols BTC-USDT --start 20240101`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportSource, "source", "", "source name ("+strings.Join(sourceNames, ", ")+")")
	reportCmd.MarkFlagRequired("source")
	reportRange.register(reportCmd, "symbols")
}

func runReport(cmd *cobra.Command, args []string) error {
	return withSource(cmd.Context(), reportSource, &reportRange, func(ctx context.Context, src *source, symbols []string, start, end int) error {
		rows, err := src.orch.Summarize(ctx, symbols, start, end)
		if err != nil {
			return err
		}
		fmt.Print(renderReport(reportSource, rows))
		return nil
	})
}

// renderReport formats the summaries as an aligned table.
func renderReport(source string, rows []gather.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", symbolStyle.Render(source))
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %8s %8s %8s %10s %10s  %-17s",
		"symbol", "pending", "filled", "empty", "rows", "inserted", "days")))
	b.WriteString("\n")

	var total gather.Summary
	for _, r := range rows {
		pending := fmt.Sprintf("%8d", r.Pending)
		if r.Pending > 0 {
			pending = pendingStyle.Render(pending)
		} else {
			pending = doneStyle.Render(pending)
		}
		fmt.Fprintf(&b, "%-16s %s %8d %8d %10d %10d  %d-%d\n",
			r.Symbol, pending, r.Filled, r.Empty, r.Rows, r.Inserted, r.First, r.Last)
		total.Pending += r.Pending
		total.Filled += r.Filled
		total.Empty += r.Empty
		total.Rows += r.Rows
		total.Inserted += r.Inserted
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %8d %8d %8d %10d %10d",
		fmt.Sprintf("total (%d)", len(rows)), total.Pending, total.Filled, total.Empty, total.Rows, total.Inserted)))
	b.WriteString("\n")
	return b.String()
}
