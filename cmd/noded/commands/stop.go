package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop MODEL",
		Short: "Unload a resident model",
		Long: `stop evicts a model from whichever engine manager currently holds it
resident, freeing its memory without waiting for the idle sweep.

Examples:
  noded stop ai/smollm2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, args[0])
		},
	}

	return cmd
}

func runStop(cmd *cobra.Command, modelName string) error {
	ctx := cmd.Context()

	if err := initNode(ctx); err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}

	unloaded, err := n.Unload(ctx, modelName)
	if err != nil {
		return fmt.Errorf("resolving model: %w", err)
	}
	if !unloaded {
		cmd.Printf("model %s was not loaded\n", modelName)
		return nil
	}

	cmd.Printf("stopped model: %s\n", modelName)
	return nil
}
