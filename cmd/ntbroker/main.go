// Package main provides the NT4 broker server: a WebSocket-based pub/sub
// coordinator for typed, timestamped topic values (NetworkTables 4).
//
// The main entry point loads configuration, starts the broker's HTTP/
// WebSocket listener, and blocks until an operating-system shutdown signal
// arrives, at which point it closes every connection and exits.
//
// Called by: external processes (CLI, containers, orchestration systems)
// Calls: internal/ntconfig, internal/broker, internal/listener
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/nt4broker/internal/broker"
	"github.com/tenzoki/nt4broker/internal/listener"
	"github.com/tenzoki/nt4broker/internal/ntconfig"
)

// main is the entry point for the NT4 broker server.
//
// Configuration Loading Strategy:
// 1. Command line argument: uses the specified config file path
// 2. Default file: attempts to load ntbroker.yaml from the config directory
// 3. Hardcoded defaults: falls back to ntconfig.Defaults()
func main() {
	var cfg *ntconfig.Config
	var configSource string

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := ntconfig.Load(configFile)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		configSource = fmt.Sprintf("config file: %s", configFile)
	} else if _, err := os.Stat("config/ntbroker.yaml"); err == nil {
		loadedCfg, err := ntconfig.Load("config/ntbroker.yaml")
		if err != nil {
			log.Printf("warning: config/ntbroker.yaml exists but failed to load: %v", err)
			log.Printf("using hardcoded defaults instead")
			d := ntconfig.Defaults()
			cfg = &d
			configSource = "hardcoded defaults (config/ntbroker.yaml failed to parse)"
		} else {
			cfg = loadedCfg
			configSource = "config/ntbroker.yaml (default)"
		}
	} else {
		log.Printf("no config file specified and config/ntbroker.yaml not found")
		d := ntconfig.Defaults()
		cfg = &d
		configSource = "hardcoded defaults"
	}

	log.Printf("starting ntbroker using %s", configSource)
	if cfg.Debug {
		log.Printf("debug logging enabled")
	}

	logger := log.Default()

	b := broker.New(logger)
	b.Debug = cfg.Debug

	l := listener.New(b, logger, cfg.Debug)

	server := &http.Server{
		Addr:    cfg.Port,
		Handler: l,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("ntbroker listening on %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	b.Shutdown(shutdownCtx)
	l.Shutdown(shutdownCtx)

	log.Println("ntbroker stopped")
}
