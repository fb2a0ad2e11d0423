// Command rpregister is a one-shot CLI for the PIN-based registration
// exchange (C4): given a console IP and the on-screen PIN, it runs
// discovery to learn the host type, registers, and prints a
// DeviceRecord JSON blob an operator pipes into the device store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nwire/rpbridge/pkg/discovery"
	"github.com/nwire/rpbridge/pkg/logger"
	"github.com/nwire/rpbridge/pkg/regist"
	"github.com/nwire/rpbridge/pkg/store"
)

// deviceRecordJSON mirrors store.DeviceRecord with hex-encoded key
// fields, since the raw []byte fields marshal to base64 by default and
// this blob is meant to be human-inspectable before it's piped in.
type deviceRecordJSON struct {
	DeviceID      string `json:"device_id"`
	HostID        string `json:"host_id"`
	HostType      string `json:"host_type"`
	IPAddress     string `json:"ip_address"`
	SystemVersion string `json:"system_version"`
	RPKeyHex      string `json:"rp_key"`
	RPKeyType     int    `json:"rp_key_type"`
	RegistKeyHex  string `json:"regist_key"`
}

func main() {
	fs := flag.NewFlagSet("rpregister", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	hostIP := fs.String("host", "", "console IP to register against (required)")
	deviceID := fs.String("device-id", "", "device_id to stamp on the resulting record (required)")
	pin := fs.String("pin", "", "8-digit PIN shown on the console's registration screen (required)")
	psnAccountID := fs.String("psn-account-id", "", "base64-encoded PSN account_id (required)")
	bindPort := fs.Int("bind-port", 9303, "local UDP port to bind for discovery")
	targetPort := fs.Int("target-port", 9302, "console discovery UDP port")
	discoveryTimeout := fs.Duration("discovery-timeout", 2*time.Second, "discovery response wait")
	httpTimeout := fs.Duration("http-timeout", 30*time.Second, "registration HTTP request timeout")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -host <ip> -device-id <id> -pin <pin> -psn-account-id <b64> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "One-shot Remote Play PIN registration\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *hostIP == "" || *deviceID == "" || *pin == "" || *psnAccountID == "" {
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

	normalizedPIN, err := regist.NormalizePIN(*pin)
	if err != nil {
		log.Error("invalid PIN", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *discoveryTimeout+time.Second)
	defer cancel()

	discClient := discovery.New(*bindPort, *targetPort, discovery.WithLogger(log))
	host, err := discClient.Discover(ctx, *hostIP, *discoveryTimeout)
	if err != nil {
		log.Error("discovery failed, cannot determine host type", "host", *hostIP, "error", err)
		os.Exit(1)
	}

	isPS5 := host.HostType == store.HostTypePS5
	port := 9295
	if isPS5 {
		port = 9302
	}

	log.Info("registering", "host", *hostIP, "host_type", string(host.HostType), "port", port)

	result, err := regist.Register(*hostIP, port, isPS5, *psnAccountID, normalizedPIN, *httpTimeout, log)
	if err != nil {
		log.Error("registration failed", "error", err)
		os.Exit(1)
	}

	rec := &store.DeviceRecord{DeviceID: *deviceID}
	result.ApplyTo(rec)
	rec.HostID = host.HostID
	rec.HostType = host.HostType
	rec.IPAddress = *hostIP
	rec.SystemVersion = host.SystemVersion

	blob := deviceRecordJSON{
		DeviceID:      rec.DeviceID,
		HostID:        rec.HostID,
		HostType:      string(rec.HostType),
		IPAddress:     rec.IPAddress,
		SystemVersion: rec.SystemVersion,
		RPKeyHex:      rec.RPKeyHex(),
		RPKeyType:     rec.RPKeyType,
		RegistKeyHex:  rec.RegistKeyHex(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(blob); err != nil {
		log.Error("failed to encode device record", "error", err)
		os.Exit(1)
	}
}
