// Package broker is the public relay: it accepts client connections, keeps
// the key registry, and routes relay messages between registered sessions.
package broker

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/registry"
	"github.com/homerelay/internal/telemetry"
	"github.com/homerelay/pkg/network"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

// Config holds broker settings. Zero values take the defaults.
type Config struct {
	Address             string
	QueueSize           int
	RegistrationTimeout time.Duration
	IdleTimeout         time.Duration
	// SweepInterval enables a background liveness probe of every
	// registered session. Zero disables it.
	SweepInterval time.Duration
	Session       session.Options

	Observers []registry.Observer
	Routes    RouteObserver
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		Address:             ":9000",
		QueueSize:           1024,
		RegistrationTimeout: 10 * time.Second,
		IdleTimeout:         60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = d.RegistrationTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// task is one queued inbound message with the session that sent it.
type task struct {
	originKey string
	origin    session.Session
	frame     []byte
	payload   protocol.Payload
}

// Broker owns the listener, the registry, the task queue, one producer per
// registered session and a single consumer.
type Broker struct {
	cfg      Config
	logger   *zap.Logger
	registry *registry.Registry
	server   *network.Server
	queue    chan task

	mu       sync.Mutex
	stopped  bool
	pending  map[*session.Passive]struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

var _ network.ConnHandler = (*Broker)(nil)

var (
	heartbeatValid = protocol.MustEncode(protocol.Heartbeat{Status: protocol.HeartbeatValid})
	queueFull      = protocol.MustEncode(protocol.Error{Code: protocol.CodeQueueFull})
	rejectedReply  = protocol.MustEncode(protocol.Registration{Name: protocol.RejectedName, Role: protocol.RoleResult})
)

// New creates a broker. Call Start to listen.
func New(cfg Config, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	observers := append([]registry.Observer{telemetry.SessionObserver{}}, cfg.Observers...)

	b := &Broker{
		cfg:      cfg,
		logger:   logger.Named("broker"),
		registry: registry.New(logger, observers...),
		queue:    make(chan task, cfg.QueueSize),
		pending:  make(map[*session.Passive]struct{}),
		stopChan: make(chan struct{}),
	}
	b.server = network.NewServer(cfg.Address, b, logger)
	return b
}

// Start begins accepting connections and starts the consumer.
func (b *Broker) Start() error {
	if err := b.server.Start(); err != nil {
		return fmt.Errorf("broker start: %w", err)
	}
	b.goTracked(b.consume)
	if b.cfg.SweepInterval > 0 {
		b.goTracked(b.sweepLoop)
	}
	b.logger.Info("broker listening",
		zap.String("address", b.server.Addr()),
		zap.Int("queue_size", b.cfg.QueueSize))
	return nil
}

// Stop closes the listener, every session and the consumer, then waits for
// all broker goroutines to exit.
func (b *Broker) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		pending := b.pending
		b.pending = make(map[*session.Passive]struct{})
		b.mu.Unlock()

		close(b.stopChan)
		err = b.server.Stop()
		for s := range pending {
			s.Close()
		}
		b.registry.CloseAll()
		b.wg.Wait()
		b.logger.Info("broker stopped")
	})
	return err
}

// Addr returns the listening address once started.
func (b *Broker) Addr() string { return b.server.Addr() }

func (b *Broker) Registry() *registry.Registry { return b.registry }

// QueueLen returns the number of tasks waiting for the consumer.
func (b *Broker) QueueLen() int { return len(b.queue) }

// track adds one goroutine to the wait group unless the broker is stopping.
func (b *Broker) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	return true
}

// beginHandshake tracks s until its registration completes, so Stop can
// close connections that have not registered yet.
func (b *Broker) beginHandshake(s *session.Passive) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	b.pending[s] = struct{}{}
	return true
}

func (b *Broker) endHandshake(s *session.Passive) {
	b.mu.Lock()
	delete(b.pending, s)
	b.mu.Unlock()
	b.wg.Done()
}

func (b *Broker) goTracked(f func()) {
	if !b.track() {
		return
	}
	go func() {
		defer b.wg.Done()
		f()
	}()
}

// HandleConn runs the registration handshake for one accepted connection
// and, on success, leaves a producer reading from it.
func (b *Broker) HandleConn(conn net.Conn) {
	s := session.NewPassive(conn, b.cfg.Session)
	if !b.beginHandshake(s) {
		s.Close()
		return
	}
	defer b.endHandshake(s)
	logger := b.logger.With(zap.String("remote", s.RemoteAddr()))

	frame, err := s.ReceiveTimeout(b.cfg.RegistrationTimeout)
	if err != nil {
		logger.Debug("no registration received", zap.Error(err))
		s.Close()
		return
	}
	reg, err := decodeRegistration(frame)
	if err != nil {
		telemetry.Registrations.WithLabelValues("invalid").Inc()
		logger.Warn("invalid registration", zap.Error(err))
		s.Close()
		return
	}

	var outcome registry.Outcome
	select {
	case outcome = <-b.registry.Register(reg.Name, s, reg.Role):
	case <-b.stopChan:
		s.Close()
		return
	}
	telemetry.Registrations.WithLabelValues(outcome.String()).Inc()

	if outcome == registry.Rejected {
		if err := s.Send(rejectedReply); err != nil {
			logger.Debug("failed to send rejection", zap.Error(err))
		}
		s.Close()
		return
	}

	if !b.track() {
		b.registry.RemoveSession(reg.Name, s)
		return
	}
	go func() {
		defer b.wg.Done()
		b.produce(reg.Name, s)
	}()

	accepted := protocol.MustEncode(protocol.Registration{Name: reg.Name, Role: protocol.RoleResult})
	if err := s.Send(accepted); err != nil {
		logger.Warn("failed to confirm registration", zap.String("key", reg.Name), zap.Error(err))
		b.registry.RemoveSession(reg.Name, s)
	}
}

func decodeRegistration(frame []byte) (protocol.Registration, error) {
	p, err := protocol.Decode(frame)
	if err != nil {
		return protocol.Registration{}, err
	}
	reg, ok := p.(protocol.Registration)
	if !ok {
		return protocol.Registration{}, fmt.Errorf("expected registration, got %s", p.Type())
	}
	if reg.Role != protocol.RoleRemoteController && reg.Role != protocol.RoleLocalManager {
		return protocol.Registration{}, fmt.Errorf("registration with role %s", reg.Role)
	}
	return reg, nil
}

// produce is the receive loop of one registered session. Heartbeats are
// answered inline; everything else well formed is offered to the queue.
func (b *Broker) produce(key string, s session.Session) {
	logger := b.logger.With(zap.String("key", key))
	for {
		frame, err := s.Receive()
		if err != nil {
			if b.registry.RemoveSession(key, s) && !errors.Is(err, session.ErrClosed) {
				logger.Info("connection lost", zap.Error(err))
			}
			return
		}

		p, err := protocol.Decode(frame)
		if err != nil {
			telemetry.Malformed.Inc()
			logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		if hb, ok := p.(protocol.Heartbeat); ok {
			if hb.Status == protocol.HeartbeatValid {
				s.TickAll()
				continue
			}
			if err := s.Send(heartbeatValid); err != nil {
				b.registry.RemoveSession(key, s)
				return
			}
			continue
		}

		select {
		case b.queue <- task{originKey: key, origin: s, frame: frame, payload: p}:
			telemetry.QueueDepth.Set(float64(len(b.queue)))
		default:
			telemetry.QueueRejections.Inc()
			logger.Warn("queue full, rejecting message", zap.Int("queue_size", b.cfg.QueueSize))
			if err := s.Send(queueFull); err != nil {
				b.registry.RemoveSession(key, s)
				return
			}
		}
	}
}

// sweepLoop probes every registered session on each tick and drops the
// ones that do not answer.
func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stopChan:
			return
		}
	}
}

func (b *Broker) sweep() {
	var wg sync.WaitGroup
	for _, e := range b.registry.Snapshot() {
		wg.Add(1)
		go func(e registry.Entry) {
			defer wg.Done()
			if alive := <-e.Session.CheckLiveness(); !alive {
				if b.registry.RemoveSession(e.Key, e.Session) {
					b.logger.Info("removed unresponsive session",
						zap.String("key", e.Key), zap.Stringer("role", e.Role))
				}
			}
		}(e)
	}
	wg.Wait()
}
