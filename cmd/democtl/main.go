package main

import (
	"fmt"
	"os"

	"demoreel/api/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "democtl:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
