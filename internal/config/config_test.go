package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homerelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
broker:
  address: ":7000"
  liveness_timeout: 500ms
manager:
  key: M1
  liveness_timeout: 750ms
  registration_timeout: 3s
  devices:
    - name: lamp
      kind: tcp
      address: 192.168.1.20:5000
    - name: heater
      kind: serial
      address: /dev/ttyUSB0
      baud: 9600
discovery:
  endpoints: ["http://etcd:2379"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Broker.Address != ":7000" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Broker.LivenessTimeout != 500*time.Millisecond {
		t.Errorf("liveness timeout = %v", cfg.Broker.LivenessTimeout)
	}
	// untouched values keep their defaults
	if cfg.Broker.QueueSize != 1024 || cfg.Manager.BrokerAddress != "localhost:9000" {
		t.Errorf("defaults lost: queue %d broker %q", cfg.Broker.QueueSize, cfg.Manager.BrokerAddress)
	}
	if cfg.Manager.LivenessTimeout != 750*time.Millisecond || cfg.Manager.RegistrationTimeout != 3*time.Second {
		t.Errorf("manager timeouts = %v, %v", cfg.Manager.LivenessTimeout, cfg.Manager.RegistrationTimeout)
	}
	if len(cfg.Manager.Devices) != 2 || cfg.Manager.Devices[1].Baud != 9600 {
		t.Errorf("devices = %+v", cfg.Manager.Devices)
	}
	if !cfg.Discovery.Enabled() || cfg.Discovery.TTL != 10 {
		t.Errorf("discovery = %+v", cfg.Discovery)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvVar(t *testing.T) {
	t.Setenv(EnvVar, writeConfig(t, "controller:\n  key: \"123456\"\n"))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.Key != "123456" {
		t.Errorf("controller key = %q", cfg.Controller.Key)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
	if _, err := Load(writeConfig(t, "broker: [")); err == nil {
		t.Error("invalid yaml loaded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"queue", func(c *Config) { c.Broker.QueueSize = 0 }, "queue_size"},
		{"zero supervise interval", func(c *Config) { c.Manager.SuperviseInterval = 0 }, "supervise_interval"},
		{"negative supervise interval", func(c *Config) { c.Manager.SuperviseInterval = -time.Second }, "supervise_interval"},
		{"manager liveness", func(c *Config) { c.Manager.LivenessTimeout = 0 }, "manager.liveness_timeout"},
		{"manager registration", func(c *Config) { c.Manager.RegistrationTimeout = -1 }, "registration_timeout"},
		{"unknown kind", func(c *Config) {
			c.Manager.Devices = []DeviceConfig{{Name: "x", Kind: "zigbee", Address: "a"}}
		}, "unknown kind"},
		{"duplicate device", func(c *Config) {
			c.Manager.Devices = []DeviceConfig{
				{Name: "lamp", Kind: KindTCP, Address: "a:1"},
				{Name: "lamp", Kind: KindTCP, Address: "b:1"},
			}
		}, "duplicate"},
		{"serial baud", func(c *Config) {
			c.Manager.Devices = []DeviceConfig{{Name: "h", Kind: KindSerial, Address: "/dev/ttyS0"}}
		}, "baud"},
		{"mqtt broker", func(c *Config) {
			c.Manager.Devices = []DeviceConfig{{Name: "l", Kind: KindMQTT, Address: "home/lamp"}}
		}, "manager.mqtt.broker"},
		{"ttl", func(c *Config) {
			c.Discovery.Endpoints = []string{"e"}
			c.Discovery.TTL = 0
		}, "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_ZeroSuperviseIntervalRejected(t *testing.T) {
	cfg, err := Load(writeConfig(t, "manager:\n  key: M1\n  supervise_interval: 0s\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "supervise_interval") {
		t.Fatalf("Validate = %v, want supervise_interval error", err)
	}
}
