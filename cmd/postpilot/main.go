package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var (
	version = "dev"
	commit  string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "postpilot:", err)
	}
	os.Exit(exitCode(err))
}
