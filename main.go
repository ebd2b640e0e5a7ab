// The main package for the adharvest executable.
package main

import (
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/JakeFAU/adharvest/cmd"
)

func main() {
	_, _ = maxprocs.Set()
	cmd.Execute()
}
