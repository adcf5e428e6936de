// Package config loads the btctl configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Scan       ScanConfig       `yaml:"scan"`
	LE         LEConfig         `yaml:"le"`
	Workers    int              `yaml:"workers"`
	NameCache  int              `yaml:"name_cache"`
	Logging    LoggingConfig    `yaml:"logging"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// ControllerConfig selects the local controller and bounds its commands.
type ControllerConfig struct {
	Interface            uint16        `yaml:"interface"`
	ExchangeTimeout      time.Duration `yaml:"exchange_timeout"`
	CommunicationTimeout time.Duration `yaml:"communication_timeout"`
	PairTimeout          time.Duration `yaml:"pair_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
}

type ScanConfig struct {
	Duration  time.Duration `yaml:"duration"`
	LowEnergy bool          `yaml:"low_energy"`
	Regular   bool          `yaml:"regular"`
	Passive   bool          `yaml:"passive"`
	Limited   bool          `yaml:"limited"`
}

// LEConfig holds the parameters of LE connections, in controller units.
type LEConfig struct {
	MinInterval        uint16 `yaml:"min_interval"`
	MaxInterval        uint16 `yaml:"max_interval"`
	Latency            uint16 `yaml:"latency"`
	SupervisionTimeout uint16 `yaml:"supervision_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			ExchangeTimeout:      2 * time.Second,
			CommunicationTimeout: 5 * time.Second,
			PairTimeout:          20 * time.Second,
			ConnectTimeout:       10 * time.Second,
		},
		Scan: ScanConfig{
			Duration:  10 * time.Second,
			LowEnergy: true,
			Regular:   true,
		},
		LE: LEConfig{
			MinInterval:        6,
			MaxInterval:        12,
			Latency:            0,
			SupervisionTimeout: 0x01F4,
		},
		Workers:   2,
		NameCache: 128,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "btctl",
			TopicPrefix: "btctl",
			QoS:         1,
		},
	}
}

// Load reads the configuration at path over the defaults, applies BTCTL_*
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from BTCTL_SECTION_KEY variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BTCTL_LOGGING_LEVEL":     &cfg.Logging.Level,
		"BTCTL_LOGGING_FORMAT":    &cfg.Logging.Format,
		"BTCTL_LOGGING_OUTPUT":    &cfg.Logging.Output,
		"BTCTL_MQTT_BROKER":       &cfg.MQTT.Broker,
		"BTCTL_MQTT_CLIENT_ID":    &cfg.MQTT.ClientID,
		"BTCTL_MQTT_TOPIC_PREFIX": &cfg.MQTT.TopicPrefix,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok && v != "" {
			*p = v
		}
	}
	if v, ok := lookup("BTCTL_CONTROLLER_INTERFACE"); ok && v != "" {
		id, err := strconv.ParseUint(strings.TrimPrefix(v, "hci"), 10, 16)
		if err != nil {
			return errors.Wrapf(err, "BTCTL_CONTROLLER_INTERFACE=%q", v)
		}
		cfg.Controller.Interface = uint16(id)
	}
	if v, ok := lookup("BTCTL_SCAN_DURATION"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "BTCTL_SCAN_DURATION=%q", v)
		}
		cfg.Scan.Duration = d
	}
	if v, ok := lookup("BTCTL_MQTT_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "BTCTL_MQTT_ENABLED=%q", v)
		}
		cfg.MQTT.Enabled = b
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string
	for name, d := range map[string]time.Duration{
		"controller.exchange_timeout":      c.Controller.ExchangeTimeout,
		"controller.communication_timeout": c.Controller.CommunicationTimeout,
		"controller.pair_timeout":          c.Controller.PairTimeout,
		"controller.connect_timeout":       c.Controller.ConnectTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Scan.Duration <= 0 {
		errs = append(errs, "scan.duration must be positive")
	}
	if !c.Scan.LowEnergy && !c.Scan.Regular {
		errs = append(errs, "scan needs low_energy or regular")
	}
	// Connection interval 7.5 ms to 4 s, supervision timeout 100 ms to 32 s.
	if c.LE.MinInterval < 0x0006 || c.LE.MaxInterval > 0x0C80 || c.LE.MinInterval > c.LE.MaxInterval {
		errs = append(errs, "le.min_interval and le.max_interval must satisfy 6 <= min <= max <= 3200")
	}
	if c.LE.Latency > 0x01F3 {
		errs = append(errs, "le.latency must be at most 499")
	}
	if c.LE.SupervisionTimeout < 0x000A || c.LE.SupervisionTimeout > 0x0C80 {
		errs = append(errs, "le.supervision_timeout must be between 10 and 3200")
	}
	if c.Workers < 1 {
		errs = append(errs, "workers must be at least 1")
	}
	if c.NameCache < 1 {
		errs = append(errs, "name_cache must be at least 1")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	default:
		errs = append(errs, "logging.output must be stdout or stderr")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1 or 2")
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
