package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmxmxh/swarmjit/internal/cmd"
	"github.com/nmxmxh/swarmjit/wasm"
)

func main() {
	// The node re-executes itself to sandbox each guest.
	if wasm.IsGuestProcess() {
		os.Exit(wasm.GuestMain())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cmd.ExitCode(err))
	}
}
