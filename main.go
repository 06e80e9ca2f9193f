// The main package for the coordinator executable.
package main

import (
	"github.com/JakeFAU/scraper-coordinator/cmd"
)

func main() {
	cmd.Execute()
}
