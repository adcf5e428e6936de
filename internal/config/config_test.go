package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btctl.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
controller:
  interface: 1
  pair_timeout: 30s
scan:
  duration: 4s
  regular: false
le:
  min_interval: 24
  max_interval: 40
mqtt:
  enabled: true
  broker: tcp://broker:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.Interface != 1 || cfg.Controller.PairTimeout != 30*time.Second {
		t.Errorf("controller: got %+v", cfg.Controller)
	}
	if cfg.Controller.ExchangeTimeout != 2*time.Second {
		t.Errorf("exchange_timeout default lost: %s", cfg.Controller.ExchangeTimeout)
	}
	if cfg.Scan.Duration != 4*time.Second || cfg.Scan.Regular || !cfg.Scan.LowEnergy {
		t.Errorf("scan: got %+v", cfg.Scan)
	}
	if cfg.LE.MinInterval != 24 || cfg.LE.MaxInterval != 40 || cfg.LE.SupervisionTimeout != 0x01F4 {
		t.Errorf("le: got %+v", cfg.LE)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.TopicPrefix != "btctl" {
		t.Errorf("mqtt: got %+v", cfg.MQTT)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 2 || cfg.NameCache != 128 || cfg.Logging.Level != "info" {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load("/nonexistent/btctl.yaml"); err == nil {
		t.Error("missing file: got nil error")
	}
	if _, err := Load(writeConfig(t, "scan: [duration")); err == nil {
		t.Error("invalid YAML: got nil error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BTCTL_CONTROLLER_INTERFACE", "hci2")
	t.Setenv("BTCTL_LOGGING_LEVEL", "debug")
	t.Setenv("BTCTL_MQTT_ENABLED", "true")
	t.Setenv("BTCTL_SCAN_DURATION", "1m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.Interface != 2 {
		t.Errorf("interface: got %d", cfg.Controller.Interface)
	}
	if cfg.Logging.Level != "debug" || !cfg.MQTT.Enabled || cfg.Scan.Duration != time.Minute {
		t.Errorf("got %+v", cfg)
	}
}

func TestEnvInvalid(t *testing.T) {
	for _, kv := range [][2]string{
		{"BTCTL_CONTROLLER_INTERFACE", "usb0"},
		{"BTCTL_SCAN_DURATION", "ten seconds"},
		{"BTCTL_MQTT_ENABLED", "sometimes"},
	} {
		cfg := Default()
		lookup := func(k string) (string, bool) {
			if k == kv[0] {
				return kv[1], true
			}
			return "", false
		}
		if err := applyEnv(cfg, lookup); err == nil {
			t.Errorf("%s=%s: got nil error", kv[0], kv[1])
		}
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no transport", func(c *Config) { c.Scan.LowEnergy, c.Scan.Regular = false, false }, "scan needs"},
		{"interval order", func(c *Config) { c.LE.MinInterval = 40 }, "le.min_interval"},
		{"supervision", func(c *Config) { c.LE.SupervisionTimeout = 5 }, "le.supervision_timeout"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"timeout", func(c *Config) { c.Controller.ConnectTimeout = 0 }, "controller.connect_timeout"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"qos", func(c *Config) { c.MQTT.Enabled, c.MQTT.QoS = true, 3 }, "mqtt.qos"},
		{"qos ignored when disabled", func(c *Config) { c.MQTT.QoS = 3 }, ""},
	} {
		cfg := Default()
		tt.modify(cfg)
		err := cfg.Validate()
		switch {
		case tt.want == "" && err != nil:
			t.Errorf("%s: %v", tt.name, err)
		case tt.want != "" && (err == nil || !strings.Contains(err.Error(), tt.want)):
			t.Errorf("%s: got %v, want error mentioning %q", tt.name, err, tt.want)
		}
	}
}
