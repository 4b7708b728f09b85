package main

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// exchanger answers one request line from the physical device.
type exchanger interface {
	Exchange(data string) (string, error)
}

// publisher is the part of the MQTT client the bridge writes to.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// bridge forwards <topic>/set messages to a device and publishes its answer
// on <topic>/state.
type bridge struct {
	topic  string
	dev    exchanger
	pub    publisher
	logger *zap.Logger

	mu sync.Mutex // one device exchange at a time
}

func (b *bridge) setTopic() string   { return b.topic + "/set" }
func (b *bridge) stateTopic() string { return b.topic + "/state" }

func (b *bridge) handle(_ string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := strings.TrimSpace(string(payload))
	reply, err := b.dev.Exchange(req)
	if err != nil {
		// an empty state tells the manager the device failed
		b.logger.Warn("device exchange failed", zap.String("request", req), zap.Error(err))
		reply = ""
	}
	if err := b.pub.Publish(b.stateTopic(), []byte(reply), 1, false); err != nil {
		b.logger.Warn("publish state failed", zap.Error(err))
		return
	}
	b.logger.Debug("state published", zap.String("request", req), zap.String("state", reply))
}

// simDevice is a switchable device kept in memory. It understands "on",
// "off" and "status".
type simDevice struct {
	mu    sync.Mutex
	state string
}

func (d *simDevice) Exchange(data string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch data {
	case "on", "off":
		d.state = data
	case "status":
	default:
		return "", fmt.Errorf("unknown command %q", data)
	}
	if d.state == "" {
		d.state = "off"
	}
	return d.state, nil
}
