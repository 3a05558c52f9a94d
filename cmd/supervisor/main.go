package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	rootCmd := newRootCmd()

	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(exitSuccess)
		}
		fmt.Fprintln(os.Stderr, color.RedString("ERROR: %s", err))
		os.Exit(exitCodeFor(err))
	}
}
