package main

import (
	"fmt"
	"os"

	"github.com/rpattn/dwhsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dwhsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
