// Command localsyncd runs the local-first sync daemon and its maintenance
// tooling: status inspection, dead-letter retry, feed queries, legacy
// imports, and load testing.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
