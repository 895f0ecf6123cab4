// The main package for the searchapi executable.
package main

import (
	"github.com/JakeFAU/websearch-control-plane/cmd"
)

func main() {
	cmd.Execute()
}
