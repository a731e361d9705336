// The main package for the regional-access executable.
package main

import (
	"github.com/JakeFAU/regional-access/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
