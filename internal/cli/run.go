package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/pipewarden/internal/control"
	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
)

var (
	runCapability string
	runPipeline   string
	runStageName  string
	runInput      string
	runBody       string
	runOutput     string
	runTimeout    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipeline stage through its provider chain",
	Long: `Run executes a single stage by hand. The stage input is a JSON request of
the capability (text-generation, speech-synthesis, image-generation or
storage-upload). Every attempt is charged to the ledger and a failed stage
opens an incident, exactly as a scheduled run would.`,
	RunE: runStage,
}

func init() {
	runCmd.Flags().StringVar(&runCapability, "capability", string(domain.CapabilityText), "capability of the stage")
	runCmd.Flags().StringVar(&runPipeline, "pipeline", "", "pipeline (video) id")
	runCmd.Flags().StringVar(&runStageName, "stage", "", "stage name")
	runCmd.Flags().StringVar(&runInput, "input", "", "JSON request file, - for stdin")
	runCmd.Flags().StringVar(&runBody, "body", "", "payload file for storage-upload")
	runCmd.Flags().StringVar(&runOutput, "output", "", "write generated audio or image bytes to this file")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "stage deadline")
	_ = runCmd.MarkFlagRequired("pipeline")
	_ = runCmd.MarkFlagRequired("stage")

	rootCmd.AddCommand(runCmd)
}

func runStage(cmd *cobra.Command, args []string) error {
	input, err := readInput(cmd, runInput)
	if err != nil {
		return err
	}
	var body []byte
	if runBody != "" {
		if body, err = os.ReadFile(runBody); err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	app, err := control.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	report, runErr := app.RunStage(ctx, control.StageRequest{
		Capability: domain.Capability(runCapability),
		PipelineID: runPipeline,
		Stage:      runStageName,
		Input:      input,
		Body:       body,
	})

	if runOutput != "" && len(report.Payload) > 0 {
		if err := os.WriteFile(runOutput, report.Payload, 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if asJSON {
		if err := printJSON(cmd, report); err != nil {
			return err
		}
	} else {
		printStageReport(cmd, report)
	}
	return runErr
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.CriticalError(failure.CodeInvalidRequest,
			fmt.Errorf("failed to read input: %w", err))
	}
	return data, nil
}

func printStageReport(cmd *cobra.Command, r control.StageReport) {
	out := cmd.OutOrStdout()
	if r.Provider != "" {
		_, _ = fmt.Fprintf(out, "stage %s/%s answered by %s (%s) attempts=%d spent=$%.4f\n",
			r.PipelineID, r.Stage, r.Provider, r.Tier, r.Attempts, r.SpentUSD)
	} else {
		_, _ = fmt.Fprintf(out, "stage %s/%s failed attempts=%d spent=$%.4f incident=%s\n",
			r.PipelineID, r.Stage, r.Attempts, r.SpentUSD, r.IncidentID)
	}
	for _, level := range r.Crossed {
		_, _ = fmt.Fprintf(out, "  budget threshold crossed: %s (%.0f%%)\n", level.Name, level.Fraction*100)
	}
	if text, ok := r.Output.(domain.TextResult); ok {
		_, _ = fmt.Fprintln(out, text.Text)
	}
}
