package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AutoCookies/kvstore/internal/clock"
	"github.com/AutoCookies/kvstore/internal/config"
	"github.com/AutoCookies/kvstore/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Printf("[CONFIG] %v", err)
		os.Exit(1)
	}

	log.Printf("[INIT] kvstore server starting on %s (databases=%d, appendonly=%v)",
		cfg.Addr(), cfg.Databases, cfg.AOFEnabled)

	srv := server.New(cfg, clock.System{})

	// Persisted state loads before the listener opens; a checksum
	// mismatch or unreadable file is fatal.
	if err := srv.Boot(); err != nil {
		log.Printf("[INIT] startup load failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("[TCP] %v", err)
			os.Exit(1)
		}
	case <-quit:
		log.Println("[TCP] shutting down...")
		cancel()
		select {
		case <-errCh:
		case <-time.After(cfg.GracefulShutdown):
		}
	}

	log.Println("Bye!")
}
