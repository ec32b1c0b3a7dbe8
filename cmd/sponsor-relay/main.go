package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/service"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting sponsor-relay", "version", Version)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	network, err := config.NetworkByName(cfg.Stacks.Network)
	if err != nil {
		log.Fatalf("Invalid network: %v", err)
	}
	log.Infow("using network",
		"name", network.Name,
		"indexer", network.IndexerBaseURL,
		"caip2", network.CAIP2())

	relay, err := service.New(&service.Config{
		Network:     network,
		DataDir:     cfg.Datadir,
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		HiroAPIKey:  cfg.Stacks.HiroAPIKey,
		Mnemonic:    cfg.Sponsor.Mnemonic,
		PrivateKey:  cfg.Sponsor.PrivateKey,
		WalletCount: cfg.Sponsor.WalletCount,
	})
	if err != nil {
		log.Fatalf("Failed to build relay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := relay.Start(ctx); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}
	defer relay.Stop()

	log.Info("sponsor-relay is running, ready to sponsor transactions!")

	// wait for a shutdown signal or a fatal service error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Wait() }()
	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Errorw(err, "service failed")
		}
	}
}
