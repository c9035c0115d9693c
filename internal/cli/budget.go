package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show the current month's spend against the target",
	RunE:  runBudget,
}

var resetAlertsCmd = &cobra.Command{
	Use:   "reset-alerts",
	Short: "Forget crossed thresholds so they alert again this month",
	RunE:  runResetAlerts,
}

func init() {
	budgetCmd.AddCommand(resetAlertsCmd)
	rootCmd.AddCommand(budgetCmd)
}

func runBudget(cmd *cobra.Command, args []string) error {
	ctx, cancel := runContext(cmd)
	defer cancel()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	status, err := app.Governor.GetBudgetStatus(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, status)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Month:   %s\n", status.Month)
	_, _ = fmt.Fprintf(out, "Spent:   $%.2f of $%.2f (%.1f%%)\n", status.SpentUSD, status.TargetUSD, status.PercentUsed)
	if status.Runway.Unbounded {
		_, _ = fmt.Fprintln(out, "Runway:  unbounded")
	} else {
		_, _ = fmt.Fprintf(out, "Runway:  %d days\n", status.Runway.Days)
	}
	return nil
}

func runResetAlerts(cmd *cobra.Command, args []string) error {
	ctx, cancel := runContext(cmd)
	defer cancel()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Governor.ResetAlertCounts(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Threshold alerts reset")
	return nil
}
