package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load engine plugins and serve models over the OpenAI-compatible API",
		Long: `serve loads every engine plugin staged under NODED_ENGINE_PLUGINS_DIR,
registers with the configured router (or falls back to standalone mode),
and serves every model placed under NODED_MODELS_DIR over an
OpenAI-compatible API until interrupted.

Example:
  noded serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	return cmd
}

func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()

	if err := initNode(ctx); err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}

	if err := n.LoadPlugins(); err != nil {
		return fmt.Errorf("loading engine plugins: %w", err)
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	cmd.Println("noded is serving; press Ctrl+C to stop.")

	<-ctx.Done()
	cmd.Println("shutting down...")
	return nil
}
