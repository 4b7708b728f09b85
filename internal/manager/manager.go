// Package manager is the local device manager: it holds a key at the
// broker and answers relay messages by exchanging their data with named
// devices on the local network.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/handshake"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

var (
	// ErrNotConfigured is returned when the key or broker address is missing.
	ErrNotConfigured = errors.New("manager not configured: key and broker address are required")
	// ErrStarting is returned by Start within StartDebounce of a start that
	// left no service running.
	ErrStarting = errors.New("manager start debounced, no service running")
)

type Config struct {
	Key           string
	BrokerAddress string
	// RetryTimes is the number of registration attempts per start.
	RetryTimes int
	// ReregisterOnFailure makes the service register again after losing
	// the broker instead of stopping.
	ReregisterOnFailure bool
	// StartDebounce ignores Start calls this soon after the last one.
	StartDebounce       time.Duration
	RegistrationTimeout time.Duration
	Session             session.Options
}

func (c Config) withDefaults() Config {
	if c.RetryTimes < 1 {
		c.RetryTimes = 1
	}
	if c.StartDebounce <= 0 {
		c.StartDebounce = 2 * time.Second
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = 10 * time.Second
	}
	return c
}

// Manager owns one broker session and the local devices.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	broker *session.Active

	devMu   sync.RWMutex
	devices map[string]Device

	// mu serializes Start and Stop.
	mu        sync.Mutex
	svc       *service
	lastStart time.Time
}

// service is one run of the receive loop.
type service struct {
	done chan struct{}
}

func (s *service) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.Key == "" || cfg.BrokerAddress == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("manager").With(zap.String("key", cfg.Key)),
		broker:  session.NewActive(cfg.BrokerAddress, cfg.Session),
		devices: make(map[string]Device),
	}, nil
}

func (m *Manager) Key() string { return m.cfg.Key }

// AddDevice adds d, replacing and closing any device with the same name.
func (m *Manager) AddDevice(d Device) {
	m.devMu.Lock()
	old, ok := m.devices[d.Name()]
	m.devices[d.Name()] = d
	m.devMu.Unlock()
	if ok && old != d {
		old.Close()
	}
	m.logger.Info("device added", zap.String("device", d.Name()))
}

// RemoveDevice closes and removes the named device.
func (m *Manager) RemoveDevice(name string) bool {
	m.devMu.Lock()
	d, ok := m.devices[name]
	delete(m.devices, name)
	m.devMu.Unlock()
	if ok {
		d.Close()
	}
	return ok
}

// Devices returns the device names in order.
func (m *Manager) Devices() []string {
	m.devMu.RLock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	m.devMu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) device(name string) (Device, bool) {
	m.devMu.RLock()
	defer m.devMu.RUnlock()
	d, ok := m.devices[name]
	return d, ok
}

// Start registers with the broker and runs the service. If a service is
// already running it is confirmed with a heartbeat and only restarted when
// the broker no longer answers. Calls within StartDebounce of the previous
// start are ignored: they return nil if that start left a running service
// and ErrStarting otherwise.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastStart.IsZero() && time.Since(m.lastStart) < m.cfg.StartDebounce {
		if m.svc != nil && m.svc.alive() {
			m.logger.Debug("start ignored, service just started")
			return nil
		}
		return ErrStarting
	}
	m.lastStart = time.Now()

	if m.svc != nil && m.svc.alive() {
		if <-m.broker.CheckLiveness() {
			m.logger.Info("service already running")
			return nil
		}
		m.logger.Warn("service connection is dead, restarting")
		m.stopLocked()
	}
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	m.broker.Restart()
	if err := m.register(); err != nil {
		m.broker.Close()
		return err
	}
	svc := &service{done: make(chan struct{})}
	m.svc = svc
	go m.serve(svc)
	m.logger.Info("service started", zap.String("broker", m.cfg.BrokerAddress))
	return nil
}

func (m *Manager) register() error {
	return handshake.Registrar{
		Key:      m.cfg.Key,
		Role:     protocol.RoleLocalManager,
		Timeout:  m.cfg.RegistrationTimeout,
		Attempts: m.cfg.RetryTimes,
		Logger:   m.logger,
	}.Register(m.broker)
}

// Stop ends the service and waits for its loop to exit. A Start after Stop
// is never debounced.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.lastStart = time.Time{}
}

func (m *Manager) stopLocked() {
	svc := m.svc
	m.svc = nil
	m.broker.Close()
	if svc != nil {
		<-svc.done
		m.logger.Info("service stopped")
	}
}

// Close stops the service and closes every device.
func (m *Manager) Close() error {
	m.Stop()
	m.devMu.Lock()
	devices := m.devices
	m.devices = make(map[string]Device)
	m.devMu.Unlock()
	for _, d := range devices {
		d.Close()
	}
	return nil
}

// IsAlive reports whether the service loop is running on a plausibly valid
// broker session.
func (m *Manager) IsAlive() bool {
	m.mu.Lock()
	svc := m.svc
	m.mu.Unlock()
	return svc != nil && svc.alive() && m.broker.IsPlausiblyValid()
}

// CheckLiveness confirms the broker connection with a heartbeat.
func (m *Manager) CheckLiveness() <-chan bool {
	if !m.IsAlive() {
		out := make(chan bool, 1)
		out <- false
		close(out)
		return out
	}
	return m.broker.CheckLiveness()
}

// Done is closed when the current service loop exits. It is nil when no
// service is running.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.svc == nil {
		return nil
	}
	return m.svc.done
}

// Supervise restarts the service every interval while it is not alive,
// until ctx is cancelled. The service is stopped on return.
func (m *Manager) Supervise(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("supervise: interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer m.Stop()

	check := func() {
		if m.IsAlive() {
			return
		}
		err := m.Start()
		switch {
		case errors.Is(err, ErrStarting):
			m.logger.Debug("start debounced")
		case err != nil:
			m.logger.Warn("service start failed", zap.Error(err))
		}
	}
	check()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}

func (m *Manager) String() string {
	return fmt.Sprintf("manager %s via %s", m.cfg.Key, m.cfg.BrokerAddress)
}
