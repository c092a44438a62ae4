package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spotify/comet-core/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.New().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
