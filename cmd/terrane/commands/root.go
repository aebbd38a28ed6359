package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	logLevel   string

	// buildVersion is stamped into telemetry as the service version.
	buildVersion string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terrane",
		Short: "Terrane - declarative infrastructure orchestration",
		Long: `Terrane reconciles declared infrastructure against recorded state.

Declarations are HCL files (*.tn) describing nodes, modules, variables,
outputs, and provisioners. Terrane expands modules into one flat dependency
graph, diffs it against the statefile, and applies the resulting operations
concurrently, committing each node as it completes.

Features:
  - Plan before apply: every change is computed and reviewable first
  - Concurrent apply with dependency ordering and retry classification
  - Remote provisioning over SSH after node creation
  - Atomic statefile with locking, lineage, and per-run history
  - Policy gate evaluating rego rules over every plan`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "minimum log level (trace, debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newOutputCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newTaintCommand())
	rootCmd.AddCommand(newUntaintCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
