// Shuttle - activation streaming daemon
//
// Shuttle carries per-step numerical state records from a producing
// process to remote consumers: a bounded history store, resolution-tiered
// normalization, chunked transfer with ack-driven backpressure, and
// temporal playback over whatever history is still resident.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3d91ll/shuttle/pkg/api"
	"github.com/r3d91ll/shuttle/pkg/config"
	"github.com/r3d91ll/shuttle/pkg/history"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "Config file path (default: ./shuttle.yaml)")
	initConfig := flag.Bool("init", false, "Initialize default config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	demo := flag.Bool("demo", false, "Run the synthetic record producer")
	demoInterval := flag.Duration("demo-interval", 500*time.Millisecond, "Interval between synthetic steps")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Shuttle %s\n", version)
		os.Exit(0)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	if *initConfig {
		if err := config.InitConfig(cfgPath); err != nil {
			fmt.Printf("Failed to initialize config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config initialized at: %s\n", cfgPath)
		fmt.Println("Edit this file to tune history, transport, and playback.")
		os.Exit(0)
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	var store *history.Store
	if cfg.History.MaxBytes > 0 {
		store = history.NewWithByteBudget(cfg.History.Capacity, cfg.History.MaxBytes)
	} else {
		store = history.New(cfg.History.Capacity)
	}

	server := api.NewServer(cfg, store)
	if err := server.Start(); err != nil {
		fmt.Printf("Failed to start server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Shuttle %s listening on %s\n", version, server.Address())
	fmt.Printf("History: %d records", cfg.History.Capacity)
	if cfg.History.MaxBytes > 0 {
		fmt.Printf(" / %d bytes", cfg.History.MaxBytes)
	}
	fmt.Println()
	fmt.Printf("Transport: %d-byte chunks, window %d, ack timeout %s\n",
		cfg.Transport.ChunkSize, cfg.Transport.Window, cfg.Transport.AckTimeout.Std())

	if *demo {
		fmt.Printf("Demo producer: one step every %s\n", *demoInterval)
		go runDemoProducer(ctx, store, *demoInterval)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
		os.Exit(1)
	}
}
