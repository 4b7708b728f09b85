package manager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/mqttclient"
)

// PubSub is the part of an MQTT client a device needs.
type PubSub interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqttclient.Handler) error
	Unsubscribe(topics ...string) error
}

var _ PubSub = (*mqttclient.Client)(nil)

// MQTTDevice publishes requests on <topic>/set and takes the next message on
// <topic>/state as the reply.
type MQTTDevice struct {
	name         string
	topic        string
	client       PubSub
	replyTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex // one exchange at a time
	replies chan string

	subMu      sync.Mutex
	subscribed bool
}

var _ Device = (*MQTTDevice)(nil)

func NewMQTTDevice(name, topic string, client PubSub, replyTimeout time.Duration, logger *zap.Logger) *MQTTDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	if replyTimeout <= 0 {
		replyTimeout = 2 * time.Second
	}
	return &MQTTDevice{
		name:         name,
		topic:        topic,
		client:       client,
		replyTimeout: replyTimeout,
		logger:       logger.Named("mqtt-device").With(zap.String("device", name), zap.String("topic", topic)),
		replies:      make(chan string, 1),
	}
}

func (d *MQTTDevice) Name() string { return d.name }

func (d *MQTTDevice) SetTopic() string   { return d.topic + "/set" }
func (d *MQTTDevice) StateTopic() string { return d.topic + "/state" }

func (d *MQTTDevice) subscribe() error {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.subscribed {
		return nil
	}
	if err := d.client.Subscribe(d.StateTopic(), 1, d.onState); err != nil {
		return fmt.Errorf("subscribe %s: %w", d.StateTopic(), err)
	}
	d.subscribed = true
	return nil
}

// onState keeps only the latest unread state message.
func (d *MQTTDevice) onState(_ string, payload []byte) {
	select {
	case d.replies <- string(payload):
	default:
		select {
		case <-d.replies:
		default:
		}
		select {
		case d.replies <- string(payload):
		default:
		}
	}
}

func (d *MQTTDevice) Exchange(data string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.subscribe(); err != nil {
		return "", fmt.Errorf("device %s: %w", d.name, err)
	}
	// discard a state update nobody asked for
	select {
	case <-d.replies:
	default:
	}
	if err := d.client.Publish(d.SetTopic(), []byte(data), 1, false); err != nil {
		return "", fmt.Errorf("device %s: publish: %w", d.name, err)
	}
	select {
	case reply := <-d.replies:
		if reply == "" {
			return "", fmt.Errorf("device %s: %w", d.name, ErrEmptyReply)
		}
		return reply, nil
	case <-time.After(d.replyTimeout):
		return "", fmt.Errorf("device %s: no state within %v", d.name, d.replyTimeout)
	}
}

func (d *MQTTDevice) Restart() error {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if !d.subscribed {
		return nil
	}
	d.subscribed = false
	return d.client.Unsubscribe(d.StateTopic())
}

func (d *MQTTDevice) Close() error {
	err := d.Restart()
	if err != nil {
		d.logger.Debug("unsubscribe failed", zap.Error(err))
	}
	return err
}
