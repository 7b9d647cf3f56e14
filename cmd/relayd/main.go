package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pairlink/config"
	"pairlink/relay"
	"pairlink/storage"
)

func main() {
	listenAddr := flag.String("listen", ":8765", "address to listen on for device websocket connections")
	dataDir := flag.String("data-dir", "", "data directory (defaults to the per-user app directory)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer logger.Sync()

	dir := *dataDir
	if dir == "" {
		dir, err = config.ResolveDataDir()
		if err != nil {
			log.Fatalf("startup failed while resolving data directory: %v", err)
		}
	}
	if err := config.EnsureDataDirectories(dir); err != nil {
		log.Fatalf("startup failed while preparing data directory: %v", err)
	}

	store, dbPath, err := storage.Open(dir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	server := relay.NewServer(store, logger, relay.Options{})
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", server.Handler())

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("Listen Address:  %s\n", *listenAddr)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("relay listener failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
