// Command dcmpipe drives the conversion engine: it parses the command line,
// resolves engine configuration, and hands off to internal/runtime. Argument
// parsing itself carries no conversion semantics -- every decision about
// what a subject/session's input produces lives in the engine packages this
// command wires together.
package main

import (
	"fmt"
	"os"

	_ "github.com/dcmpipe/dcmpipe/internal/heuristic/builtin"
	_ "github.com/dcmpipe/dcmpipe/internal/heuristic/declarative"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
