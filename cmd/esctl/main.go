// Command esctl administers Elasticsearch clusters.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rshade/esctl/internal/cli"
	"github.com/rshade/esctl/pkg/version"
)

const (
	exitError         = 1
	exitRequestFailed = 2
)

func run() error {
	return cli.NewRootCmd(version.GetVersion()).Execute()
}

// exitCode maps a command error to the process exit status. A request the
// cluster rejected exits 2 so scripts can tell it from local failures.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cli.ErrRequestFailed):
		return exitRequestFailed
	default:
		return exitError
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
