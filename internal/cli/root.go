package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/esctl/internal/config"
	"github.com/rshade/esctl/internal/logging"
	"github.com/rshade/esctl/internal/migration"
)

// envSkipMigrationCheck disables the legacy config import prompt.
const envSkipMigrationCheck = "ESCTL_SKIP_MIGRATION_CHECK"

// Output formats accepted by --output.
const (
	outputJSON = "json"
	outputYAML = "yaml"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// NewRootCmd creates the root Cobra command for the esctl CLI.
// It loads the env file and config, wires up logging and tracing, and adds
// the config, cache, request and cluster command groups.
func NewRootCmd(ver string) *cobra.Command {
	var logResult *logging.LogPathResult

	cmd := &cobra.Command{
		Use:           "esctl",
		Short:         "Elasticsearch administration CLI",
		Long:          "esctl: administer Elasticsearch clusters with a transparent local response cache",
		Version:       ver,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output != outputJSON && output != outputYAML {
				return fmt.Errorf("unsupported output format %q (want json or yaml)", output)
			}

			if err := config.LoadEnvFile(); err != nil {
				cmd.PrintErrf("Warning: %v\n", err)
			}

			// Offer to import a config.json from an earlier release if in interactive terminal
			_, skipMigration := os.LookupEnv(envSkipMigrationCheck)
			if isTerminal(os.Stdin) && !skipMigration && cmd.Name() != "import-legacy" {
				if err := migration.RunMigration(cmd.ErrOrStderr(), cmd.InOrStdin(), config.HomeDir()); err != nil {
					// We log the error but don't fail the command as migration is best-effort
					cmd.PrintErrf("Warning: migration check failed: %v\n", err)
				}
			}
			if _, err := config.LoadGlobalConfig(); err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			result := setupLogging(cmd)
			logResult = &result
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return cleanupLogging(cmd, logResult)
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().Bool("no-cache", false, "bypass the local response cache for this invocation")
	cmd.PersistentFlags().StringP("context", "c", "", "context to use (default: $ESCTL_CONTEXT or current context)")
	cmd.PersistentFlags().StringP("output", "o", outputJSON, "output format: json or yaml")
	cmd.AddCommand(newConfigCmd(), newCacheCmd(), NewRequestCmd(), newClusterCmd())

	// Cobra skips PersistentPostRunE when RunE fails.
	closeLogsOnError(cmd, func() error { return cleanupLogging(cmd, logResult) })

	return cmd
}

// closeLogsOnError wraps every RunE in the tree so that a failing command
// still releases the log file. Closing twice is harmless.
func closeLogsOnError(cmd *cobra.Command, closeLogs func() error) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(c *cobra.Command, args []string) error {
			err := run(c, args)
			if err != nil {
				_ = closeLogs()
			}
			return err
		}
	}
	for _, sub := range cmd.Commands() {
		closeLogsOnError(sub, closeLogs)
	}
}

const rootCmdExample = `  # Register a cluster and make it current
  esctl config add-context local --host localhost --port 9200

  # Cluster health, served from the cache on repeat calls
  esctl cluster health

  # Raw request against the current context
  esctl request GET /_cat/indices?format=json

  # Skip the cache for one call
  esctl --no-cache cluster health

  # Cache _cat/indices for ten minutes, query string included
  esctl cache ttl GET /_cat/indices 600 --match-all

  # Drop everything cached for the current context
  esctl cache purge --yes`

// newConfigCmd creates the config command group with context management subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration management commands"}
	cmd.AddCommand(
		NewConfigInitCmd(), NewConfigAddContextCmd(), NewConfigUseContextCmd(),
		NewConfigGetContextsCmd(), NewConfigRemoveContextCmd(), NewConfigImportLegacyCmd(),
	)
	return cmd
}

// newCacheCmd creates the cache command group.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Local response cache commands"}
	cmd.AddCommand(
		NewCachePurgeCmd(), NewCacheTTLCmd(), NewCacheRulesCmd(),
		NewCacheUnsetCmd(), NewCacheStatsCmd(),
	)
	return cmd
}

// newClusterCmd creates the cluster command group.
func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Cluster-level APIs"}
	cmd.AddCommand(NewClusterHealthCmd())
	return cmd
}
