package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/pipewarden/internal/core/domain"
)

var (
	costsDate  string
	costsVideo string
	costsMonth bool
	costsTrend int
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show cost breakdowns from the ledger",
	Long: `Show a cost breakdown for a day (default today), a pipeline run (--video),
the current month (--month) or a per-day trend (--trend N).`,
	RunE: runCosts,
}

func init() {
	costsCmd.Flags().StringVar(&costsDate, "date", "", "calendar day, YYYY-MM-DD")
	costsCmd.Flags().StringVar(&costsVideo, "video", "", "pipeline id")
	costsCmd.Flags().BoolVar(&costsMonth, "month", false, "current month, day by day")
	costsCmd.Flags().IntVar(&costsTrend, "trend", 0, "last N days including today")
	costsCmd.MarkFlagsMutuallyExclusive("date", "video", "month", "trend")
	rootCmd.AddCommand(costsCmd)
}

func runCosts(cmd *cobra.Command, args []string) error {
	ctx, cancel := runContext(cmd)
	defer cancel()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	out := cmd.OutOrStdout()

	switch {
	case costsVideo != "":
		v, err := app.Ledger.GetCostsByVideo(ctx, costsVideo)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, v)
		}
		return printBreakdown(out, "pipeline "+v.PipelineID, v.CostBreakdown)

	case costsMonth:
		m, err := app.Ledger.GetCostsThisMonth(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, m)
		}
		if err := printBreakdown(out, "month "+m.Month, m.CostBreakdown); err != nil {
			return err
		}
		for _, d := range m.Days {
			_, _ = fmt.Fprintf(out, "%s\t$%.4f\t%d entries\n", d.Date, d.TotalUSD, d.Entries)
		}
		return nil

	case costsTrend > 0:
		days, err := app.Ledger.GetCostTrend(ctx, costsTrend)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, days)
		}
		for _, d := range days {
			_, _ = fmt.Fprintf(out, "%s\t$%.4f\t%d entries\t%d errors\n", d.Date, d.TotalUSD, d.Entries, d.Errors)
		}
		return nil

	default:
		date := costsDate
		if date == "" {
			date = time.Now().UTC().Format(domain.DateLayout)
		}
		d, err := app.Ledger.GetCostsByDate(ctx, date)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, d)
		}
		return printBreakdown(out, "day "+d.Date, d.CostBreakdown)
	}
}
