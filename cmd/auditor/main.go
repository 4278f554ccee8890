// Command auditor detects revenue leakage by reconciling contracts, invoices
// and usage logs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/leakwatch/auditor/cmd/auditor/cmd"
)

// Version information populated at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.NewRootCommand(version, commit).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
