// The main package for the govaudit executable.
package main

import (
	"github.com/JakeFAU/govtrack-audit/cmd"
)

func main() {
	cmd.Execute()
}
