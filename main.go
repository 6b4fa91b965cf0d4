// The main package for the crawlpilot executable.
package main

import (
	"github.com/govwarc/crawlpilot/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
