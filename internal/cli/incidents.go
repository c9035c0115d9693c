package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/pipewarden/internal/core/domain"
)

var (
	resolveType  string
	resolveNotes string
	resolveBy    string
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Inspect and resolve stage incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open incidents, oldest first",
	RunE:  runIncidentsList,
}

var incidentsResolveCmd = &cobra.Command{
	Use:   "resolve [incident_id]",
	Short: "Resolve an open incident",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentsResolve,
}

func init() {
	incidentsResolveCmd.Flags().StringVar(&resolveType, "type", string(domain.ResolutionManualFix),
		"auto_recovered, retry_succeeded, manual_fix or ignored")
	incidentsResolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "resolution notes")
	incidentsResolveCmd.Flags().StringVar(&resolveBy, "by", "", "operator resolving the incident")

	incidentsCmd.AddCommand(incidentsListCmd, incidentsResolveCmd)
	rootCmd.AddCommand(incidentsCmd)
}

func runIncidentsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := runContext(cmd)
	defer cancel()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	open, err := app.Incidents.ListOpen(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, open)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPIPELINE\tSTAGE\tSEVERITY\tCODE\tOPEN FOR")
	for _, inc := range open {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.ID, inc.PipelineID, inc.Stage, inc.Severity, inc.ErrorCode,
			time.Since(inc.StartTime).Round(time.Second))
	}
	return w.Flush()
}

func runIncidentsResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := runContext(cmd)
	defer cancel()

	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	inc, err := app.Incidents.ResolveIncident(ctx, args[0], domain.Resolution{
		Type:       domain.ResolutionType(resolveType),
		Notes:      resolveNotes,
		ResolvedBy: resolveBy,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd, inc)
	}

	var took time.Duration
	if inc.Duration != nil {
		took = *inc.Duration
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Incident %s resolved (%s) after %s\n", inc.ID, inc.Resolution.Type, took.Round(time.Second))
	return nil
}
