// The main package for the skycam executable.
package main

import (
	"github.com/JakeFAU/skycam-collector/cmd"
)

func main() {
	cmd.Execute()
}
