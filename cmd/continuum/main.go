// Command continuum keeps workflow runs alive across AI assistant context
// compaction.
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/continuum/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
