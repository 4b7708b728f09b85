// Package config loads homerelay configuration.
//
// Configuration is read from a single YAML file given by the --config flag
// or the HOMERELAY_CONFIG environment variable. Values missing from the file
// keep the defaults of Default. Command-line flags are applied on top by the
// binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "HOMERELAY_CONFIG"

// Device kinds.
const (
	KindTCP    = "tcp"
	KindSerial = "serial"
	KindMQTT   = "mqtt"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Broker     BrokerConfig     `yaml:"broker"`
	Manager    ManagerConfig    `yaml:"manager"`
	Controller ControllerConfig `yaml:"controller"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type BrokerConfig struct {
	Address string `yaml:"address"`
	// AdminAddress serves /metrics, /healthz, /sessions and /ws. Empty
	// disables the admin server.
	AdminAddress        string        `yaml:"admin_address"`
	QueueSize           int           `yaml:"queue_size"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	LivenessTimeout     time.Duration `yaml:"liveness_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	// StateTopic, when set together with manager.mqtt, streams device
	// states from MQTT to websocket clients.
	StateTopic string `yaml:"state_topic"`
}

type ManagerConfig struct {
	Key                 string         `yaml:"key"`
	BrokerAddress       string         `yaml:"broker_address"`
	RetryTimes          int            `yaml:"retry_times"`
	ReregisterOnFailure bool           `yaml:"reregister_on_failure"`
	SuperviseInterval   time.Duration  `yaml:"supervise_interval"`
	ReplyTimeout        time.Duration  `yaml:"reply_timeout"`
	LivenessTimeout     time.Duration  `yaml:"liveness_timeout"`
	RegistrationTimeout time.Duration  `yaml:"registration_timeout"`
	Devices             []DeviceConfig `yaml:"devices"`
	MQTT                MQTTConfig     `yaml:"mqtt"`
}

// DeviceConfig describes one local device. Address is host:port for tcp,
// the port name for serial and the topic prefix for mqtt.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	Baud    int    `yaml:"baud"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ControllerConfig struct {
	Key               string        `yaml:"key"`
	BrokerAddress     string        `yaml:"broker_address"`
	RetryTimes        int           `yaml:"retry_times"`
	RetryRegistration bool          `yaml:"retry_registration"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	ReplyTimeout      time.Duration `yaml:"reply_timeout"`
}

type DiscoveryConfig struct {
	// Endpoints enables etcd discovery when non-empty.
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	// ID names this broker in etcd. Defaults to the hostname.
	ID  string `yaml:"id"`
	TTL int64  `yaml:"ttl"`
}

func (d DiscoveryConfig) Enabled() bool { return len(d.Endpoints) > 0 }

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Broker: BrokerConfig{
			Address:             ":9000",
			AdminAddress:        ":9090",
			QueueSize:           1024,
			RegistrationTimeout: 10 * time.Second,
			IdleTimeout:         60 * time.Second,
			LivenessTimeout:     2 * time.Second,
		},
		Manager: ManagerConfig{
			BrokerAddress:       "localhost:9000",
			RetryTimes:          1,
			SuperviseInterval:   5 * time.Second,
			ReplyTimeout:        2 * time.Second,
			LivenessTimeout:     2 * time.Second,
			RegistrationTimeout: 10 * time.Second,
		},
		Controller: ControllerConfig{
			BrokerAddress:     "localhost:9000",
			RetryTimes:        1,
			RetryRegistration: true,
			LivenessTimeout:   2 * time.Second,
			ReplyTimeout:      5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Prefix: "/homerelay/brokers",
			TTL:    10,
		},
	}
}

// Load reads path over the defaults. An empty path falls back to
// HOMERELAY_CONFIG, and with neither set the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Broker.QueueSize < 1 {
		errs = append(errs, errors.New("broker.queue_size must be positive"))
	}
	if c.Manager.RetryTimes < 1 {
		errs = append(errs, errors.New("manager.retry_times must be at least 1"))
	}
	if c.Manager.SuperviseInterval <= 0 {
		errs = append(errs, errors.New("manager.supervise_interval must be positive"))
	}
	if c.Manager.LivenessTimeout <= 0 {
		errs = append(errs, errors.New("manager.liveness_timeout must be positive"))
	}
	if c.Manager.RegistrationTimeout <= 0 {
		errs = append(errs, errors.New("manager.registration_timeout must be positive"))
	}
	if c.Controller.RetryTimes < 1 {
		errs = append(errs, errors.New("controller.retry_times must be at least 1"))
	}

	seen := make(map[string]bool)
	needMQTT := false
	for i, d := range c.Manager.Devices {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("manager.devices[%d]: name is required", i))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Errorf("manager.devices[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
		if d.Address == "" {
			errs = append(errs, fmt.Errorf("manager.devices[%d]: address is required", i))
		}
		switch d.Kind {
		case KindTCP:
		case KindSerial:
			if d.Baud <= 0 {
				errs = append(errs, fmt.Errorf("manager.devices[%d]: baud must be positive", i))
			}
		case KindMQTT:
			needMQTT = true
		default:
			errs = append(errs, fmt.Errorf("manager.devices[%d]: unknown kind %q", i, d.Kind))
		}
	}
	if needMQTT && c.Manager.MQTT.Broker == "" {
		errs = append(errs, errors.New("manager.mqtt.broker is required for mqtt devices"))
	}

	if c.Discovery.Enabled() && c.Discovery.TTL < 1 {
		errs = append(errs, errors.New("discovery.ttl must be positive"))
	}

	return errors.Join(errs...)
}
