// Package main is the netuidfetch entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rshade/netuidfetch/internal/cli"
	"github.com/rshade/netuidfetch/pkg/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCmd(version.GetVersion())
	err := root.ExecuteContext(context.Background())
	code := extractFetchExitCode(err)
	if err != nil {
		var fetchErr *cli.FetchExitError
		if !errors.As(err, &fetchErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return code
}

// extractFetchExitCode maps a command error to a process exit status:
// 0 for nil, the carried code for *cli.FetchExitError, 1 otherwise.
func extractFetchExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fetchErr *cli.FetchExitError
	if errors.As(err, &fetchErr) {
		return fetchErr.ExitCode
	}
	return 1
}
