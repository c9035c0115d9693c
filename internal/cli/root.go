package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/pipewarden/internal/control"
	"github.com/vietddude/pipewarden/internal/core/config"
	"github.com/vietddude/pipewarden/internal/failure"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitCritical  = 1
	ExitRetryable = 2
)

var (
	cfgPath string
	isDebug bool
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "pipewarden",
	Short: "Resilience and cost governance for content pipelines",
	Long: `pipewarden runs pipeline stages through provider fallback chains, keeps a
cost ledger against a monthly budget, tracks incidents and probes service health.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the command tree and exits with a code telling the caller
// whether a retry may help.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(ExitCode(err))
	}
}

// ExitCode maps an error onto the process exit code. Errors nothing
// classified are treated as critical.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	fe := failure.Classify(err)
	if fe.Code == failure.CodeUnknown || !failure.Retryable(fe) {
		return ExitCritical
	}
	return ExitRetryable
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
}

// loadConfig loads the config file and initialises logging from it.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		return nil, err
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg, nil
}

// openApp opens storage and bookkeeping for operator commands.
func openApp(ctx context.Context) (*control.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := control.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipewarden: %w", err)
	}
	return app, nil
}

var errNotReady = errors.New("critical service unavailable")
