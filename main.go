// The main package for the catalog-relay executable.
package main

import (
	"github.com/JakeFAU/catalog-relay/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
