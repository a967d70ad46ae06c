package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() *nodeConfig {
	return &nodeConfig{
		backend:         "socketcan",
		canIf:           "can0",
		stdID:           0x100,
		timeSyncStdID:   0x7A0,
		ringDepth:       64,
		logFormat:       "text",
		logLevel:        "info",
		metricsAddr:     "",
		logMetricsEvery: 0,
	}
}

func TestValidate_AcceptsBaseConfig(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsNonPowerOfTwoRingDepth(t *testing.T) {
	c := baseConfig()
	c.ringDepth = 63
	if err := c.validate(); err == nil {
		t.Fatal("expected error for non-power-of-two ring depth")
	}
}

func TestValidate_RejectsCollidingStdIDs(t *testing.T) {
	c := baseConfig()
	c.timeSyncStdID = c.stdID
	if err := c.validate(); err == nil {
		t.Fatal("expected error when std-id and time-sync-std-id collide")
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	c := baseConfig()
	os.Setenv("NODETELEM_CAN_IF", "can1")
	os.Setenv("NODETELEM_STD_ID", "0x200")
	os.Setenv("NODETELEM_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("NODETELEM_CAN_IF")
		os.Unsetenv("NODETELEM_STD_ID")
		os.Unsetenv("NODETELEM_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(c, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.canIf != "can1" {
		t.Fatalf("canIf = %q, want can1", c.canIf)
	}
	if c.stdID != 0x200 {
		t.Fatalf("stdID = %#x, want 0x200", c.stdID)
	}
	if c.logMetricsEvery != 5*time.Second {
		t.Fatalf("logMetricsEvery = %v, want 5s", c.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	c := baseConfig()
	os.Setenv("NODETELEM_CAN_IF", "can1")
	t.Cleanup(func() { os.Unsetenv("NODETELEM_CAN_IF") })
	if err := applyEnvOverrides(c, map[string]struct{}{"can-if": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if c.canIf != "can0" {
		t.Fatalf("expected canIf unchanged (flag wins), got %q", c.canIf)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	c := baseConfig()
	os.Setenv("NODETELEM_STD_ID", "notanumber")
	t.Cleanup(func() { os.Unsetenv("NODETELEM_STD_ID") })
	if err := applyEnvOverrides(c, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for bad std-id")
	}
}

func TestApplyTOMLFile_FillsUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	body := []byte(`
backend = "loopback"
can_interface = "vcan0"
std_id = 512
log_level = "debug"
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := baseConfig()
	if err := applyTOMLFile(c, path, map[string]struct{}{}); err != nil {
		t.Fatalf("applyTOMLFile: %v", err)
	}
	if c.backend != "loopback" || c.canIf != "vcan0" || c.stdID != 512 || c.logLevel != "debug" {
		t.Fatalf("unexpected config after TOML load: %+v", c)
	}
}

func TestApplyTOMLFile_FlagWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte(`backend = "loopback"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := baseConfig()
	if err := applyTOMLFile(c, path, map[string]struct{}{"backend": {}}); err != nil {
		t.Fatalf("applyTOMLFile: %v", err)
	}
	if c.backend != "socketcan" {
		t.Fatalf("expected backend unchanged (flag wins), got %q", c.backend)
	}
}

func TestApplyTOMLFile_FillsSerialFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	body := []byte(`
backend = "serial"
serial_port = "/dev/ttyACM0"
serial_baud = 921600
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := baseConfig()
	if err := applyTOMLFile(c, path, map[string]struct{}{}); err != nil {
		t.Fatalf("applyTOMLFile: %v", err)
	}
	if c.backend != "serial" || c.serialPort != "/dev/ttyACM0" || c.serialBaud != 921600 {
		t.Fatalf("unexpected config after TOML load: %+v", c)
	}
	if err := c.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_RejectsSerialBackendWithoutBaud(t *testing.T) {
	c := baseConfig()
	c.backend = "serial"
	c.serialBaud = 0
	if err := c.validate(); err == nil {
		t.Fatal("expected error for serial backend with non-positive baud")
	}
}

func TestApplyEnvOverrides_MDNS(t *testing.T) {
	c := baseConfig()
	os.Setenv("NODETELEM_MDNS", "true")
	os.Setenv("NODETELEM_MDNS_NAME", "rig-7")
	t.Cleanup(func() {
		os.Unsetenv("NODETELEM_MDNS")
		os.Unsetenv("NODETELEM_MDNS_NAME")
	})
	if err := applyEnvOverrides(c, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.mdnsEnable || c.mdnsName != "rig-7" {
		t.Fatalf("unexpected config: mdnsEnable=%v mdnsName=%q", c.mdnsEnable, c.mdnsName)
	}
}
