// steptrace records, ingests and queries decision traces.
//
// Usage:
//
//	steptrace serve [--addr :8420] [--db steptrace.db]
//	steptrace ingest <file|-> [--db path | --endpoint url]
//	steptrace validate <file|->
//	steptrace runs [run-id] [--pipeline name] [--status s]
//	steptrace steps [step-id] [--run id] [--min-rate r]
//	steptrace demo [--candidates n] [--mode m]
package main

import (
	"fmt"
	"os"

	"github.com/roach88/steptrace/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
