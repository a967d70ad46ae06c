package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// nodeConfig is filled in precedence order: flag defaults, then an
// optional TOML file for fields a fleet operator pins per-board, then
// NODETELEM_* environment overrides, then explicit flags win over all
// of the above.
type nodeConfig struct {
	backend         string // "socketcan" | "serial" | "loopback"
	canIf           string
	serialPort      string // device path when backend=serial
	serialBaud      int
	stdID           uint16 // this node's own outbound std_id
	timeSyncStdID   uint16 // std_id time-sync requests are sent on
	ringDepth       int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	sdCardPath      string // empty = no-op SD sink
	configFile      string
	mdnsEnable      bool
	mdnsName        string
}

type tomlConfig struct {
	Backend         string `toml:"backend"`
	CANInterface    string `toml:"can_interface"`
	SerialPort      string `toml:"serial_port"`
	SerialBaud      int    `toml:"serial_baud"`
	StdID           int    `toml:"std_id"`
	TimeSyncStdID   int    `toml:"time_sync_std_id"`
	RingDepth       int    `toml:"ring_depth"`
	LogFormat       string `toml:"log_format"`
	LogLevel        string `toml:"log_level"`
	MetricsAddr     string `toml:"metrics_addr"`
	LogMetricsEvery string `toml:"log_metrics_interval"`
	SDCardPath      string `toml:"sd_card_path"`
}

func parseFlags() (*nodeConfig, bool) {
	cfg := &nodeConfig{}
	backend := flag.String("backend", "socketcan", "CAN-FD backend: socketcan|serial|loopback")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	serialPort := flag.String("serial-port", "/dev/ttyUSB0", "Serial device (when --backend=serial)")
	serialBaud := flag.Int("serial-baud", 1000000, "Serial baud rate (when --backend=serial)")
	stdID := flag.Int("std-id", 0x100, "This node's outbound std_id")
	timeSyncStdID := flag.Int("time-sync-std-id", 0x7A0, "std_id used for time-sync request/reply exchange")
	ringDepth := flag.Int("ring-depth", 64, "RX ring depth (must be a power of two)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	sdCardPath := flag.String("sd-card-path", "", "File to append SD_CARD-tagged packets to; empty = no-op stub")
	configFile := flag.String("config", "", "Optional TOML config file (overrides flag defaults, overridden by explicit flags/env)")
	mdnsEnable := flag.Bool("mdns", false, "Advertise the metrics/debug endpoint via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name; empty derives one from the hostname")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.backend = *backend
	cfg.canIf = *canIf
	cfg.serialPort = *serialPort
	cfg.serialBaud = *serialBaud
	cfg.stdID = uint16(*stdID)
	cfg.timeSyncStdID = uint16(*timeSyncStdID)
	cfg.ringDepth = *ringDepth
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.sdCardPath = *sdCardPath
	cfg.configFile = *configFile
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if cfg.configFile != "" {
		if err := applyTOMLFile(cfg, cfg.configFile, setFlags); err != nil {
			fmt.Printf("config file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// applyTOMLFile loads path and fills any field not explicitly set on
// the command line, mirroring applyEnvOverrides' "flag wins" rule.
func applyTOMLFile(c *nodeConfig, path string, set map[string]struct{}) error {
	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if _, ok := set["backend"]; !ok && tc.Backend != "" {
		c.backend = tc.Backend
	}
	if _, ok := set["can-if"]; !ok && tc.CANInterface != "" {
		c.canIf = tc.CANInterface
	}
	if _, ok := set["serial-port"]; !ok && tc.SerialPort != "" {
		c.serialPort = tc.SerialPort
	}
	if _, ok := set["serial-baud"]; !ok && tc.SerialBaud != 0 {
		c.serialBaud = tc.SerialBaud
	}
	if _, ok := set["std-id"]; !ok && tc.StdID != 0 {
		c.stdID = uint16(tc.StdID)
	}
	if _, ok := set["time-sync-std-id"]; !ok && tc.TimeSyncStdID != 0 {
		c.timeSyncStdID = uint16(tc.TimeSyncStdID)
	}
	if _, ok := set["ring-depth"]; !ok && tc.RingDepth != 0 {
		c.ringDepth = tc.RingDepth
	}
	if _, ok := set["log-format"]; !ok && tc.LogFormat != "" {
		c.logFormat = tc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && tc.LogLevel != "" {
		c.logLevel = tc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && tc.MetricsAddr != "" {
		c.metricsAddr = tc.MetricsAddr
	}
	if _, ok := set["log-metrics-interval"]; !ok && tc.LogMetricsEvery != "" {
		d, err := time.ParseDuration(tc.LogMetricsEvery)
		if err != nil {
			return fmt.Errorf("log_metrics_interval: %w", err)
		}
		c.logMetricsEvery = d
	}
	if _, ok := set["sd-card-path"]; !ok && tc.SDCardPath != "" {
		c.sdCardPath = tc.SDCardPath
	}
	return nil
}

// applyEnvOverrides maps NODETELEM_* environment variables onto cfg,
// unless the corresponding flag was explicitly set (flag wins over
// env, env wins over TOML file, TOML file wins over the flag default).
func applyEnvOverrides(c *nodeConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["backend"]; !ok {
		if v, ok := get("NODETELEM_BACKEND"); ok && v != "" {
			c.backend = v
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("NODETELEM_CAN_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["serial-port"]; !ok {
		if v, ok := get("NODETELEM_SERIAL_PORT"); ok && v != "" {
			c.serialPort = v
		}
	}
	if _, ok := set["serial-baud"]; !ok {
		if v, ok := get("NODETELEM_SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NODETELEM_SERIAL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["std-id"]; !ok {
		if v, ok := get("NODETELEM_STD_ID"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 16); err == nil {
				c.stdID = uint16(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid NODETELEM_STD_ID: %w", err)
			}
		}
	}
	if _, ok := set["time-sync-std-id"]; !ok {
		if v, ok := get("NODETELEM_TIME_SYNC_STD_ID"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 16); err == nil {
				c.timeSyncStdID = uint16(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid NODETELEM_TIME_SYNC_STD_ID: %w", err)
			}
		}
	}
	if _, ok := set["ring-depth"]; !ok {
		if v, ok := get("NODETELEM_RING_DEPTH"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.ringDepth = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NODETELEM_RING_DEPTH: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("NODETELEM_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("NODETELEM_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("NODETELEM_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("NODETELEM_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NODETELEM_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["sd-card-path"]; !ok {
		if v, ok := get("NODETELEM_SD_CARD_PATH"); ok {
			c.sdCardPath = v
		}
	}
	if _, ok := set["mdns"]; !ok {
		if v, ok := get("NODETELEM_MDNS"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.mdnsEnable = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid NODETELEM_MDNS: %w", err)
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("NODETELEM_MDNS_NAME"); ok {
			c.mdnsName = v
		}
	}
	return firstErr
}

func (c *nodeConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "socketcan", "serial", "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.backend == "serial" && c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be positive (got %d)", c.serialBaud)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.ringDepth <= 0 || c.ringDepth&(c.ringDepth-1) != 0 {
		return fmt.Errorf("ring-depth must be a power of two (got %d)", c.ringDepth)
	}
	if c.stdID == c.timeSyncStdID {
		return fmt.Errorf("std-id and time-sync-std-id must differ")
	}
	return nil
}
