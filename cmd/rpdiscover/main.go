// Command rpdiscover is a standalone discovery-only diagnostic binary,
// mirroring the teacher's cmd/diagnose: it runs C2 against a host or a
// broadcast address and prints every parsed HostInfo, so an operator
// can confirm a console answers before attempting the full bring-up.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nwire/rpbridge/pkg/discovery"
	"github.com/nwire/rpbridge/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("rpdiscover", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	hostIP := fs.String("host", "", "console IP to probe directly (unicast)")
	broadcast := fs.String("broadcast", "255.255.255.255", "broadcast address to scan when -host is unset")
	bindPort := fs.Int("bind-port", 9303, "local UDP port to bind for responses")
	targetPort := fs.Int("target-port", 9302, "console discovery UDP port")
	timeout := fs.Duration("timeout", 2*time.Second, "how long to wait for responses")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Remote Play console discovery diagnostic\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
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

	client := discovery.New(*bindPort, *targetPort, discovery.WithLogger(log))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout+time.Second)
	defer cancel()

	var hosts []*discovery.HostInfo
	if *hostIP != "" {
		host, err := client.Discover(ctx, *hostIP, *timeout)
		if err != nil {
			log.Error("discovery failed", "host", *hostIP, "error", err)
			os.Exit(1)
		}
		hosts = []*discovery.HostInfo{host}
	} else {
		hosts, err = client.DiscoverAll(ctx, *broadcast, *timeout)
		if err != nil {
			log.Error("broadcast discovery failed", "error", err)
			os.Exit(1)
		}
	}

	if len(hosts) == 0 {
		log.Warn("no consoles responded")
		os.Exit(0)
	}

	for _, h := range hosts {
		log.Info("console found",
			"host_id", h.HostID,
			"host_type", string(h.HostType),
			"host_name", h.HostName,
			"host_request_port", h.HostRequestPort,
			"system_version", h.SystemVersion,
			"state", string(h.State),
			"addr", h.Addr.String(),
			"ready", h.IsReady(),
		)
	}
}
