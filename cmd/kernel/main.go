package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentworld.ai/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernel:", err)
	}
	stop()
	os.Exit(cli.GetExitCode(err))
}
