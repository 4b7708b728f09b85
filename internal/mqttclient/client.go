package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	BrokerURL string
	// ClientID defaults to "homerelay-<uuid>".
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Handler receives one message from a subscription.
type Handler func(topic string, payload []byte)

type Client struct {
	raw    mqtt.Client
	url    string
	logger *zap.Logger
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")
	if opts.ClientID == "" {
		opts.ClientID = "homerelay-" + uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetUsername(opts.Username)
	o.SetPassword(opts.Password)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetConnectTimeout(opts.ConnectTimeout)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", zap.String("broker", opts.BrokerURL), zap.Error(err))
	})
	o.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected", zap.String("broker", opts.BrokerURL), zap.String("client_id", opts.ClientID))
	})
	c := mqtt.NewClient(o)

	token := c.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: timed out after %v", opts.BrokerURL, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.BrokerURL, err)
	}
	return &Client{raw: c, url: opts.BrokerURL, logger: logger}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	token := c.raw.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Unsubscribe(topics ...string) error {
	token := c.raw.Unsubscribe(topics...)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return fmt.Sprintf("MQTTClient(%s)", c.url)
}
