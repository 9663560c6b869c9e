// ABOUTME: Entry point for the cryptostore inspection CLI
// ABOUTME: Links both SQLite drivers so either can be selected in config

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	_ "github.com/mattn/go-sqlite3"

	"github.com/2389/coven-cryptostore/internal/cli"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cli.NewRootCommand()
	root.Version = version

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		cancel()
		os.Exit(1)
	}
}
