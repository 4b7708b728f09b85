// Package controller is the remote controller client: it registers a key
// at the broker and addresses relay messages to devices behind local
// managers.
package controller

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/handshake"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

var (
	// ErrInvalidTarget is returned for an empty key, device or payload.
	ErrInvalidTarget = errors.New("target key, device and data must be non-empty")
	// ErrNotRegistered is returned by Receive when no broker connection is held.
	ErrNotRegistered = errors.New("controller not registered")
)

type Config struct {
	// Key defaults to a random six-digit number.
	Key           string
	BrokerAddress string
	RetryTimes    int
	// RetryRegistration registers once more when a send fails.
	RetryRegistration   bool
	RegistrationTimeout time.Duration
	LivenessTimeout     time.Duration
	Session             session.Options
}

func DefaultConfig() Config {
	return Config{
		RetryTimes:          1,
		RetryRegistration:   true,
		RegistrationTimeout: 10 * time.Second,
		LivenessTimeout:     2 * time.Second,
	}
}

// Target is a device behind a local manager.
type Target struct {
	ToKey  string `json:"to_key"`
	Device string `json:"device"`
}

// Reply is one answer read from the broker.
type Reply struct {
	FromKey string
	Device  string
	Data    string
	// Err is a protocol.Error when the broker or the manager reported a
	// failure instead of a device answer.
	Err error
}

type Controller struct {
	cfg    Config
	logger *zap.Logger
	broker *session.Active

	// mu serializes registration and sends.
	mu sync.Mutex

	targetsMu sync.Mutex
	targets   map[Target]struct{}
}

// RandomKey returns a six-digit key.
func RandomKey() string {
	return strconv.Itoa(100000 + rand.Intn(900000))
}

// New fills zero fields from DefaultConfig. RetryRegistration is taken as
// given, so start from DefaultConfig to keep it on.
func New(cfg Config, logger *zap.Logger) (*Controller, error) {
	if cfg.BrokerAddress == "" {
		return nil, errors.New("controller: broker address required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Key == "" {
		cfg.Key = RandomKey()
	}
	if cfg.RetryTimes < 1 {
		cfg.RetryTimes = d.RetryTimes
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = d.RegistrationTimeout
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = d.LivenessTimeout
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &Controller{
		cfg:     cfg,
		logger:  logger.Named("controller").With(zap.String("key", cfg.Key)),
		broker:  session.NewActive(cfg.BrokerAddress, cfg.Session),
		targets: make(map[Target]struct{}),
	}, nil
}

func (c *Controller) Key() string { return c.cfg.Key }

// Register claims the controller's key on a fresh connection.
func (c *Controller) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked()
}

func (c *Controller) registerLocked() error {
	c.broker.Restart()
	return handshake.Registrar{
		Key:      c.cfg.Key,
		Role:     protocol.RoleRemoteController,
		Timeout:  c.cfg.RegistrationTimeout,
		Attempts: c.cfg.RetryTimes,
		Logger:   c.logger,
	}.Register(c.broker)
}

func (c *Controller) ensureRegisteredLocked() error {
	if c.broker.IsPlausiblyValid() {
		return nil
	}
	return c.registerLocked()
}

// SendMessage relays data to device behind toKey.
func (c *Controller) SendMessage(toKey, device, data string) error {
	if toKey == "" || device == "" || data == "" {
		return ErrInvalidTarget
	}
	c.AddTarget(toKey, device)
	msg, err := protocol.Encode(protocol.Relay{FromKey: c.cfg.Key, ToKey: toKey, Info: device, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureRegisteredLocked(); err != nil {
		return fmt.Errorf("send to %s/%s: %w", toKey, device, err)
	}
	err = c.broker.Send(msg)
	if err != nil && c.cfg.RetryRegistration {
		c.logger.Warn("send failed, registering again", zap.Error(err))
		if err = c.registerLocked(); err == nil {
			err = c.broker.Send(msg)
		}
	}
	if err != nil {
		return fmt.Errorf("send to %s/%s: %w", toKey, device, err)
	}
	return nil
}

// Receive returns the next reply from the broker. Heartbeats are handled on
// the way. A timeout of zero waits indefinitely.
func (c *Controller) Receive(timeout time.Duration) (Reply, error) {
	if !c.broker.IsPlausiblyValid() {
		return Reply{}, ErrNotRegistered
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var wait time.Duration
		if !deadline.IsZero() {
			if wait = time.Until(deadline); wait <= 0 {
				return Reply{}, fmt.Errorf("no reply within %v", timeout)
			}
		}
		frame, err := c.broker.ReceiveTimeout(wait)
		if err != nil {
			return Reply{}, err
		}
		p, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		switch msg := p.(type) {
		case protocol.Heartbeat:
			if err := handshake.Answer(c.broker, msg); err != nil {
				return Reply{}, err
			}
		case protocol.Relay:
			return c.replyFromRelay(msg), nil
		case protocol.Error:
			return Reply{Err: msg}, nil
		case protocol.Text:
			return Reply{Data: string(msg)}, nil
		default:
			c.logger.Debug("ignoring message", zap.Stringer("type", p.Type()))
		}
	}
}

func (c *Controller) replyFromRelay(r protocol.Relay) Reply {
	reply := Reply{FromKey: r.FromKey}
	if !r.IsErrorReply() {
		reply.Device = r.Info
	}
	inner, err := r.Unwrap()
	if err != nil {
		// a manager that answers with bare text
		reply.Data = r.Data
		return reply
	}
	switch v := inner.(type) {
	case protocol.Error:
		reply.Err = v
	case protocol.Text:
		reply.Data = string(v)
	default:
		reply.Data = r.Data
	}
	return reply
}

// Request sends data to device behind toKey and waits for the reply.
func (c *Controller) Request(toKey, device, data string, timeout time.Duration) (Reply, error) {
	if err := c.SendMessage(toKey, device, data); err != nil {
		return Reply{}, err
	}
	return c.Receive(timeout)
}

var heartbeatRequest = protocol.MustEncode(protocol.Heartbeat{Status: protocol.HeartbeatRequest})

// CheckValid registers if needed and confirms the broker answers a
// heartbeat within the liveness timeout.
func (c *Controller) CheckValid() bool {
	c.mu.Lock()
	if err := c.ensureRegisteredLocked(); err != nil {
		c.mu.Unlock()
		c.logger.Warn("broker unavailable, registration failed", zap.Error(err))
		return false
	}
	err := c.broker.Send(heartbeatRequest)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("broker unavailable, heartbeat not sent", zap.Error(err))
		return false
	}

	deadline := time.Now().Add(c.cfg.LivenessTimeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return false
		}
		frame, err := c.broker.ReceiveTimeout(wait)
		if err != nil {
			c.logger.Warn("broker unavailable, no heartbeat", zap.Error(err))
			return false
		}
		p, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		hb, ok := p.(protocol.Heartbeat)
		if !ok {
			c.logger.Debug("discarding message while checking liveness", zap.Stringer("type", p.Type()))
			continue
		}
		if hb.Status == protocol.HeartbeatValid {
			return true
		}
		if err := handshake.Answer(c.broker, hb); err != nil {
			return false
		}
	}
}

func (c *Controller) AddTarget(toKey, device string) {
	c.targetsMu.Lock()
	c.targets[Target{ToKey: toKey, Device: device}] = struct{}{}
	c.targetsMu.Unlock()
}

func (c *Controller) RemoveTarget(toKey, device string) bool {
	c.targetsMu.Lock()
	defer c.targetsMu.Unlock()
	t := Target{ToKey: toKey, Device: device}
	_, ok := c.targets[t]
	delete(c.targets, t)
	return ok
}

// Targets returns every known target ordered by key, then device.
func (c *Controller) Targets() []Target {
	c.targetsMu.Lock()
	out := make([]Target, 0, len(c.targets))
	for t := range c.targets {
		out = append(out, t)
	}
	c.targetsMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ToKey != out[j].ToKey {
			return out[i].ToKey < out[j].ToKey
		}
		return out[i].Device < out[j].Device
	})
	return out
}

func (c *Controller) Close() error {
	return c.broker.Close()
}
