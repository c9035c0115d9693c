package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/pipewarden/internal/control"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured service once",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	app, err := control.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	report := app.Monitor.CheckAll(ctx)
	if err := printReport(cmd, report); err != nil {
		return err
	}
	if !report.Ready {
		return failure.RecoverableError(failure.CodeNotReady, errNotReady)
	}
	return nil
}

func printReport(cmd *cobra.Command, report health.Report) error {
	if asJSON {
		return printJSON(cmd, report)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVICE\tSTATUS\tCRITICAL\tLATENCY\tERROR")
	for _, r := range report.Services {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%dms\t%s\n", r.Service, r.Status, r.Critical, r.LatencyMs, r.Error)
	}
	_, _ = fmt.Fprintf(w, "\nOVERALL\t%s\tready=%t\n", report.Status, report.Ready)
	return w.Flush()
}

// runContext bounds operator commands.
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}
