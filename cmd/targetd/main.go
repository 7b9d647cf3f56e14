package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pairlink/client"
	"pairlink/config"
	"pairlink/crypto"
	"pairlink/protocol"
)

func main() {
	relayURL := flag.String("relay", "", "relay websocket URL (overrides the configured one)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer logger.Sync()

	cfg, cfgPath, err := config.LoadOrCreate(protocol.RoleTarget)
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *relayURL != "" && cfg.RelayURL != *relayURL {
		cfg.RelayURL = *relayURL
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting relay URL: %v", err)
		}
	}

	c, err := client.New(client.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     logger,
		Handlers: client.Handlers{
			PairingCode: func(code string) {
				fmt.Printf("Pairing Code:    %s\n", crypto.FormatPairingCode(code))
				fmt.Println("                 enter this code on the controller device")
			},
			Paired: func(peerID, peerName string) {
				fmt.Printf("Paired With:     %s (%s)\n", peerName, peerID)
			},
			Unpaired: func(peerID string) {
				fmt.Printf("Unpaired From:   %s\n", peerID)
			},
			PeerDisconnected: func(peerID string) {
				logger.Info("controller went offline", zap.String("peer_id", peerID))
			},
			Command: func(request []byte) []byte {
				// Real command execution (lock, shutdown, file listing)
				// plugs in here; the core only carries the bytes.
				fmt.Printf("Command:         %s\n", request)
				return []byte(`{"status":"received"}`)
			},
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building client: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", c.Fingerprint())
	fmt.Printf("Relay URL:       %s\n", cfg.RelayURL)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("relay connection failed: %v", err)
	}
	fmt.Println("Status:          shutting down")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
