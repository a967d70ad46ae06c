// Command telemetry-node runs the on-node telemetry transport core:
// CAN-FD fragmentation/reassembly, the telemetry router, and the
// NTP-style time-sync client, driven by a single worker goroutine
// standing in for the firmware's ThreadX telemetry thread.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/soldercore/nodetelem/internal/canbus"
	"github.com/soldercore/nodetelem/internal/metrics"
	"github.com/soldercore/nodetelem/internal/node"
	"github.com/soldercore/nodetelem/internal/ring"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("telemetry-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	bus, closeBus, err := openBus(cfg, l)
	if err != nil {
		node.Die("bus open failed: %v", err)
	}
	defer closeBus()

	stack, sdFile, err := buildStack(cfg, bus)
	if err != nil {
		node.Die("stack build failed: %v", err)
	}
	rng, worker := stack.ring, stack.worker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runBusReader(ctx, bus, rng, l)
	}()

	if cfg.logMetricsEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logMetricsPeriodically(ctx, cfg.logMetricsEvery, l)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		stopMDNS, err := startMDNS(ctx, cfg, cfg.metricsAddr)
		if err != nil {
			l.Warn("mdns_register_failed", "error", err)
		} else {
			defer stopMDNS()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if sdFile != nil {
		_ = sdFile.Close()
	}
	wg.Wait()
}

// openBus constructs the configured Bus, falling back to Loopback if
// socketcan is requested but unavailable (non-Linux dev builds).
func openBus(cfg *nodeConfig, l *slog.Logger) (canbus.Bus, func(), error) {
	switch cfg.backend {
	case "loopback":
		lb := canbus.NewLoopback(cfg.ringDepth)
		return lb, func() { _ = lb.Close() }, nil
	case "serial":
		dev, err := canbus.OpenSerialFD(cfg.serialPort, cfg.serialBaud, 100*time.Millisecond)
		if err != nil {
			return nil, func() {}, err
		}
		l.Info("serial_fd_open", "port", cfg.serialPort, "baud", cfg.serialBaud)
		return dev, func() { _ = dev.Close() }, nil
	default:
		dev, err := canbus.OpenSocketCANFD(cfg.canIf)
		if err != nil {
			if runtime.GOOS != "linux" {
				l.Warn("socketcan_unavailable_using_loopback", "error", err)
				lb := canbus.NewLoopback(cfg.ringDepth)
				return lb, func() { _ = lb.Close() }, nil
			}
			return nil, func() {}, err
		}
		l.Info("socketcan_fd_open", "if", cfg.canIf)
		return dev, func() { _ = dev.Close() }, nil
	}
}

// runBusReader plays the CAN RX ISR's role: it pulls frames off the
// bus and pushes them onto the ring for the worker to drain.
func runBusReader(ctx context.Context, bus canbus.Bus, rng *ring.Ring, l *slog.Logger) {
	for {
		fr, err := bus.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Warn("bus_recv_error", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		rng.Push(fr)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func logMetricsPeriodically(ctx context.Context, interval time.Duration, l *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot", "socketcan_rx", snap.SocketCANRx, "socketcan_tx", snap.SocketCANTx, "errors", snap.Errors)
		case <-ctx.Done():
			return
		}
	}
}

