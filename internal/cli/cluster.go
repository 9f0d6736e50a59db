package cli

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/rshade/esctl/internal/transport"
)

// NewClusterHealthCmd creates the cluster health command.
func NewClusterHealthCmd() *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show cluster health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := "/_cluster/health"
			if level != "" {
				target += "?level=" + level
			}
			return runRequest(cmd, &transport.Request{
				Method: http.MethodGet,
				Target: target,
			})
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "detail level: cluster, indices or shards")
	return cmd
}
