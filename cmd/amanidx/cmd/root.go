// Package cmd provides the CLI commands for amanidx.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/logging"
	"github.com/Aman-CERP/amanidx/pkg/version"
)

// Global flags shared by every subcommand.
var (
	configPath string
	dataDir    string
	debugMode  bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the amanidx CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amanidx",
		Short: "Reconcile documents into vector, full-text, graph and summary indexes",
		Long: `amanidx keeps secondary indexes of a document collection in step with
the documents themselves.

Ingesting a document records which indexes it should have. A reconciler
compares that desired state with what has been built, claims the rows that
drifted and runs one workflow per document that fans out to every index
backend. Completion callbacks record the outcome.

Run 'amanidx serve' to keep indexes converged in the background, or
'amanidx reconcile' for a single pass.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("amanidx version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .amanidx.yaml in the working directory)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override backends.data_dir")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.amanidx/logs/")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging installs debug logging when --debug is set.
func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("debug_logging_enabled",
		slog.String("log_file", logging.DefaultLogPath()),
		slog.String("version", version.Version))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command and prints a failure in CLI form.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprint(root.ErrOrStderr(), errors.FormatForCLI(err))
	}
	return err
}
