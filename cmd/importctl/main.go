// Package main provides the entry point for the importctl CLI.
package main

import (
	"fmt"
	"os"

	"github.com/campusworks/achievement-import/internal/cli"
	"github.com/campusworks/achievement-import/internal/core"
)

func main() {
	if err := cli.Execute(); err != nil {
		if core.IsUserFacing(err) {
			fmt.Fprintf(os.Stderr, "Error: %s\n  detail: %v\n", core.FormatUserError(err), err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
