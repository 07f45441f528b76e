package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"ls", "list"},
		Short:   "Show readiness and currently loaded models",
		Long: `status reports whether the node is ready to serve, how many requests are
in flight, and which models are currently resident in an engine manager.

Examples:
  noded status
  noded ls`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}

	return cmd
}

func runStatus(cmd *cobra.Command) error {
	ctx := cmd.Context()

	if err := initNode(ctx); err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}

	status := n.Status()
	cmd.Printf("ready:        %t\n", status.Ready)
	cmd.Printf("in flight:    %d\n", status.InFlight)

	if len(status.LoadedModels) == 0 {
		cmd.Println("no models currently loaded")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"PATH", "MEM BYTES", "LAST ACCESS", "REFS"}),
	)
	for _, m := range status.LoadedModels {
		table.Append([]string{
			m.Path,
			fmt.Sprintf("%d", m.MemBytes),
			m.LastAccess.Format(time.RFC3339),
			fmt.Sprintf("%d", m.RefCount),
		})
	}
	table.Render()
	return nil
}
