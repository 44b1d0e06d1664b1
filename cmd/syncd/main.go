// Command syncd runs the collaborative document synchronization server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/config"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/services"
)

func main() {
	cfg := config.LoadConfig()
	manager := services.NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()
	if err := manager.Init(initCtx); err != nil {
		log.Fatalf("init: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		manager.Shutdown(shutdownCtx)
	}()

	if err := manager.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}
