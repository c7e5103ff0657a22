// Command chainflow serves the workflow run engine over HTTP and MCP, and
// runs or validates workflow files from the command line.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
