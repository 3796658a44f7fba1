package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hcfes/stimtune/internal/cli"
)

func main() {
	// an interrupt aborts the running session; its trials and result are still written
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
