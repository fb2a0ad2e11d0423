// Command rpplay is the bridge's entrypoint: it wires config, logging,
// the device store, the multi-session orchestrator, and the status
// API, then runs a single console session end to end. Mirrors the
// teacher's cmd/relay: flag.FlagSet + logger.RegisterFlags + config.Load
// + signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nwire/rpbridge/pkg/avsink"
	"github.com/nwire/rpbridge/pkg/config"
	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/media"
	"github.com/nwire/rpbridge/pkg/rpsession"
	"github.com/nwire/rpbridge/pkg/statusapi"
	"github.com/nwire/rpbridge/pkg/store"
)

func main() {
	fs := flag.NewFlagSet("rpplay", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	envPath := fs.String("config", ".env", "path to a key=value config override file")
	deviceID := fs.String("device-id", "", "device_id to run a session for (required)")
	hostIP := fs.String("host", "", "console IP address (required)")
	pin := fs.String("pin", "", "8-digit registration PIN, only needed on first connect")
	psnAccountID := fs.String("psn-account-id", "", "base64-encoded PSN account_id, only needed on first connect")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -host <ip> -device-id <id> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "PS Remote Play -> WebRTC bridge\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *hostIP == "" || *deviceID == "" {
		fs.Usage()
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting rpplay", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	deviceStore := store.NewMemoryStore()

	sinkFactory := func(id string) media.AVSink {
		sink, err := avsink.NewSink(id, nil, log)
		if err != nil {
			log.Error("failed to build avsink", "device_id", id, "error", err)
			return nil
		}
		return sink
	}

	manager := rpsession.NewManager(cfg, deviceStore, sinkFactory, rpsession.DefaultManagerConfig(), log)
	defer manager.Stop()

	api := statusapi.NewServer(manager, log)
	if err := api.Start(ctx, cfg.StatusAPI.ListenAddr); err != nil {
		log.Error("failed to start status api", "error", err)
		os.Exit(1)
	}
	defer api.Stop(context.Background())
	log.Info("status api listening", "address", cfg.StatusAPI.ListenAddr)

	opts := rpsession.StartOptions{HostIP: *hostIP, PIN: *pin, PSNAccountID: *psnAccountID}
	manager.AddDevice(*deviceID, opts)

	log.Info("session starting", "device_id", *deviceID, "host", *hostIP)

	<-ctx.Done()
	log.Info("shutting down")
	time.Sleep(50 * time.Millisecond)
}
