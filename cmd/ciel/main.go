// Command ciel is the workspace and local-repository management CLI
// for the Ciel packaging environment.
package main

import (
	"os"

	"ciel/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
