// noded is a compute-node agent: it discovers and loads inference engine
// plugins, serves an OpenAI-compatible API over locally or remotely synced
// models, and optionally registers with a router for fleet-wide scheduling.
package main

import (
	"os"

	"github.com/dockerlabs/noded/cmd/noded/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
