package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pairlink/client"
	"pairlink/config"
	"pairlink/protocol"
)

const pairTimeout = 30 * time.Second

func main() {
	relayURL := flag.String("relay", "", "relay websocket URL (overrides the configured one)")
	code := flag.String("code", "", "pairing code shown on the target device")
	unpair := flag.Bool("unpair", false, "revoke the active pairing and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer logger.Sync()

	cfg, cfgPath, err := config.LoadOrCreate(protocol.RoleController)
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *relayURL != "" && cfg.RelayURL != *relayURL {
		cfg.RelayURL = *relayURL
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting relay URL: %v", err)
		}
	}

	registered := make(chan struct{}, 1)
	unpaired := make(chan struct{}, 1)

	c, err := client.New(client.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     logger,
		Handlers: client.Handlers{
			Registered: func(bool) {
				select {
				case registered <- struct{}{}:
				default:
				}
			},
			Paired: func(peerID, peerName string) {
				fmt.Printf("Paired With:     %s (%s)\n", peerName, peerID)
			},
			Unpaired: func(peerID string) {
				fmt.Printf("Unpaired From:   %s\n", peerID)
				select {
				case unpaired <- struct{}{}:
				default:
				}
			},
			PeerDisconnected: func(peerID string) {
				fmt.Printf("Peer Offline:    %s\n", peerID)
			},
			Message: func(plaintext []byte) {
				fmt.Printf("Message:         %s\n", plaintext)
			},
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building client: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Fingerprint:     %s\n", c.Fingerprint())
	fmt.Printf("Relay URL:       %s\n", cfg.RelayURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	select {
	case <-registered:
	case err := <-runDone:
		log.Fatalf("relay connection failed: %v", err)
	case <-ctx.Done():
		return
	}

	if *code != "" {
		submitCtx, cancel := context.WithTimeout(ctx, pairTimeout)
		defer cancel()
		normalized := strings.ReplaceAll(*code, " ", "")
		if err := c.SubmitCode(submitCtx, normalized); err != nil {
			log.Fatalf("pairing failed: %v", err)
		}
	}

	if *unpair {
		if err := c.Unpair(); err != nil {
			log.Fatalf("unpair failed: %v", err)
		}
		select {
		case <-unpaired:
		case <-time.After(pairTimeout):
			log.Fatalf("unpair was not acknowledged")
		case <-ctx.Done():
		}
		return
	}

	if !c.Paired() {
		fmt.Println("Status:          not paired (run again with -code)")
		return
	}

	fmt.Printf("Target:          %s\n", c.PeerID())
	fmt.Println("Status:          connected; type a command per line (Ctrl+D to quit)")

	lines := readLines(ctx)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmdCtx, cancel := context.WithTimeout(ctx, pairTimeout)
			response, err := c.SendCommand(cmdCtx, []byte(line))
			cancel()
			if err != nil {
				log.Printf("command failed: %v", err)
				continue
			}
			fmt.Printf("Response:        %s\n", response)
		case err := <-runDone:
			if ctx.Err() == nil {
				log.Fatalf("relay connection lost: %v", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
