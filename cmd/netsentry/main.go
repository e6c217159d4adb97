// Command netsentry is a network vulnerability assessment tool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/anstrom/netsentry/cmd/cli"
)

// Set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.ExecuteContext(ctx)
	stop()
	os.Exit(code)
}
