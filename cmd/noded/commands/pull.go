package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Run one catalog sync pass against the configured router",
		Long: `pull triggers an immediate catalog sync against NODED_ROUTER_URL, downloading
any models the router's catalog lists that aren't present locally. Local
models the catalog no longer lists are reported as stale; they are removed
only when NODED_DELETE_STALE_MODELS is set. It fails if no router is
configured.

Examples:
  noded pull`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd)
		},
	}

	return cmd
}

func runPull(cmd *cobra.Command) error {
	ctx := cmd.Context()

	if err := initNode(ctx); err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}

	diff, err := n.Sync(ctx)
	if err != nil {
		return fmt.Errorf("syncing catalog: %w", err)
	}

	cmd.Printf("downloaded %d model(s), %d stale model(s)\n", len(diff.ToDownload), len(diff.ToDelete))
	return nil
}
