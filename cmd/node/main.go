package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/config"
	"github.com/harveybc/doin-core/pkgs/api"
	"github.com/harveybc/doin-core/pkgs/node"
	"github.com/harveybc/doin-core/pkgs/plugins"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Error("Configuration error")
		os.Exit(node.ExitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Domains and their plugin triples are registered here at startup.
	// Out-of-tree plugin binaries hook in through the registry before
	// the node boots.
	registry := plugins.NewRegistry()

	n, err := node.New(ctx, config.SettingsObj, registry)
	if err != nil {
		log.WithError(err).Error("Failed to initialize node")
		os.Exit(node.ExitFatal)
	}

	if err := n.StartNetwork(); err != nil {
		log.WithError(err).Error("Failed to start P2P network")
		os.Exit(node.ExitFatal)
	}

	if config.SettingsObj.EnableAPI {
		server := api.NewServer(n)
		go func() {
			if err := server.Run(config.SettingsObj.APIHost, config.SettingsObj.APIPort); err != nil {
				log.WithError(err).Error("API server stopped")
			}
		}()
	}

	if config.SettingsObj.EnableMetrics {
		go func() {
			if err := n.Metrics().Serve(config.SettingsObj.MetricsPort); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received signal %s, shutting down", sig)
		cancel()
	}()

	os.Exit(n.Run())
}
