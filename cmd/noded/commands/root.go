// Package commands implements the noded CLI commands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dockerlabs/noded/pkg/config"
	"github.com/dockerlabs/noded/pkg/logging"
	"github.com/dockerlabs/noded/pkg/node"
)

var (
	// Global flags
	verbose bool
	logJSON bool

	// Shared state, initialized by initNode on first use.
	log logging.Logger
	n   *node.Node
)

// rootCmd is the root command for noded.
var rootCmd = &cobra.Command{
	Use:   "noded",
	Short: "Compute-node agent for distributed model serving",
	Long: `noded discovers inference engine plugins, serves models placed under its
models directory (or synced from a router) behind an OpenAI-compatible API,
and optionally registers with a router for fleet-wide scheduling.

Example:
  noded serve
  # loads engine plugins, starts the HTTP server, exposes an OpenAI API at
  # http://localhost:8080/v1`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger := logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
		if logJSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		}

		// NODED_LOG_LEVEL overrides the verbosity flags when set.
		if level := os.Getenv("NODED_LOG_LEVEL"); level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				logger.SetLevel(lvl)
			}
		}

		log = logging.NewLogrusAdapterFromEntry(logger.WithField("component", "noded"))
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newStopCmd(),
		newPullCmd(),
		newVersionCmd(),
	)
}

// initNode loads config, detects the host GPU backend, and assembles a
// Node. It does not apply plugins or start any background loop; callers
// that need those call n.LoadPlugins/n.Start themselves.
func initNode(ctx context.Context) error {
	if n != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	built, err := node.New(cfg, hostBackend(), routerClient(cfg), log)
	if err != nil {
		return err
	}
	n = built
	return nil
}
