// Package main is the pipeline-guardian entrypoint: one binary serving the
// gateway, the self-healing debugger, the security scan orchestrator, and
// the model training workflow.
package main

import (
	"os"
)

func main() {
	cli := NewCLI()
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
