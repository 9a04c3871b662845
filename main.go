// The main package for the casekb executable.
package main

import (
	"github.com/caseforge/casekb/cmd"
)

func main() {
	cmd.Execute()
}
