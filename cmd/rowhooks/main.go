// Command rowhooks runs row mutations and mutation scenarios from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rowhooks/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
