package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises the node's metrics/debug HTTP endpoint so
// a ground-station tool can find it on the LAN without being told the
// address ahead of time.
const mdnsServiceType = "_nodetelem._tcp"

// startMDNS registers the service via mDNS and returns a cleanup
// function. It is a no-op if mdns is disabled.
func startMDNS(ctx context.Context, cfg *nodeConfig, metricsAddr string) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	_, portStr, err := net.SplitHostPort(metricsAddr)
	if err != nil {
		return nil, fmt.Errorf("mdns: parse metrics-addr %q: %w", metricsAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mdns: metrics-addr port %q: %w", portStr, err)
	}

	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("telemetry-node-%s", host)
	}
	meta := []string{
		"backend=" + cfg.backend,
		"std_id=" + strconv.Itoa(int(cfg.stdID)),
		"version=" + version,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
