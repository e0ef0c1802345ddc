// Command deck runs the capsule-rotating relay.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/deck/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
