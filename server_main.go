//go:build server

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := NewApp()
	app.Startup(ctx)

	server := app.Server()
	if server == nil {
		fmt.Println("Error: invoke responder failed to start")
		os.Exit(1)
	}

	// machine-readable line so a supervising process can pick up the port
	fmt.Printf("INVOKE_PORT:%d\n", server.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	app.Shutdown(ctx)
}
