// Package wake implements C3: Wake-on-LAN style UDP WAKEUP packets, and
// the poll-until-Ready loop described in spec §4.3.
package wake

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nwire/rpbridge/pkg/discovery"
	"github.com/nwire/rpbridge/pkg/logger"
)

const wakeRequestTemplate = "WAKEUP * HTTP/1.1\n" +
	"client-type:Windows\n" +
	"auth-type:C\n" +
	"model:w\n" +
	"app-type:r\n" +
	"user-credential:%s\n\n"

// ErrTimeout is returned when the host does not reach Ready within the
// configured timeout; the orchestrator maps this to WakeTimeout.
var ErrTimeout = fmt.Errorf("wake: timed out waiting for host-state=Ready")

// Send transmits a single WAKEUP datagram to hostIP:targetPort carrying
// the device credential (the registered rp_key's regist_key material,
// base64 or hex per the caller's convention — this package treats it as
// an opaque string). There is no acknowledgement on the wire.
func Send(hostIP string, targetPort int, credential string) error {
	conn, err := net.Dial("udp4", fmt.Sprintf("%s:%d", hostIP, targetPort))
	if err != nil {
		return fmt.Errorf("wake: dial: %w", err)
	}
	defer conn.Close()

	payload := fmt.Sprintf(wakeRequestTemplate, credential)
	if _, err := conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("wake: send WAKEUP: %w", err)
	}
	return nil
}

// PollUntilReady sends a WAKEUP and then re-runs discovery every
// pollInterval until the host reports Ready or timeout elapses.
func PollUntilReady(
	ctx context.Context,
	disc *discovery.Client,
	hostIP string,
	targetPort int,
	credential string,
	pollInterval time.Duration,
	timeout time.Duration,
	log *logger.Logger,
) error {
	if log == nil {
		log = logger.Default()
	}

	if err := Send(hostIP, targetPort, credential); err != nil {
		return err
	}
	log.DebugDiscovery("sent WAKEUP", "host", hostIP)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return ErrTimeout
			}
			info, err := disc.Discover(ctx, hostIP, pollInterval/2)
			if err != nil {
				continue
			}
			if info.IsReady() {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
	}
}
