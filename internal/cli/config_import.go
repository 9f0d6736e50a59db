package cli

import (
	"github.com/spf13/cobra"

	"github.com/rshade/esctl/internal/config"
	"github.com/rshade/esctl/internal/migration"
)

// NewConfigImportLegacyCmd creates the config import-legacy command.
func NewConfigImportLegacyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy",
		Short: "Import config.json from an earlier esctl release",
		Long: `Converts $ESCTL_HOME/config.json, as written by earlier esctl releases,
into config.yaml. http and kubernetes contexts are imported; gce contexts are
reported and skipped. The old file is left in place. Fails if config.yaml
already exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := migration.Import(config.HomeDir())
			if err != nil {
				return err
			}
			migration.PrintResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}
