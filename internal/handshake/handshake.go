// Package handshake claims a key at the broker on behalf of a client.
package handshake

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

// ErrRejected means a live session already holds the key.
var ErrRejected = errors.New("registration rejected: key already registered")

// Session is a session that supports a bounded receive.
type Session interface {
	session.Session
	ReceiveTimeout(d time.Duration) ([]byte, error)
}

// Registrar registers one key under one role.
type Registrar struct {
	Key  string
	Role protocol.Role
	// Timeout bounds the wait for the broker's answer.
	Timeout time.Duration
	// Attempts is the number of tries on transport failure. A rejection is
	// never retried.
	Attempts int
	Logger   *zap.Logger
}

// Register claims r.Key on s and names the session after it.
func (r Registrar) Register(s Session) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("handshake").With(zap.String("key", r.Key), zap.Stringer("role", r.Role))

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = r.registerOnce(s, logger)
		if err == nil {
			s.SetName(r.Key)
			logger.Info("registered", zap.String("broker", s.RemoteAddr()))
			return nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, session.ErrClosed) {
			return err
		}
		logger.Warn("registration attempt failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return fmt.Errorf("register %s: %w", r.Key, err)
}

func (r Registrar) registerOnce(s Session, logger *zap.Logger) error {
	req, err := protocol.Encode(protocol.Registration{Name: r.Key, Role: r.Role})
	if err != nil {
		return err
	}
	if err := s.Send(req); err != nil {
		return err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("no registration result within %v", timeout)
		}
		frame, err := s.ReceiveTimeout(remaining)
		if err != nil {
			return err
		}
		p, err := protocol.Decode(frame)
		if err != nil {
			logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		switch m := p.(type) {
		case protocol.Heartbeat:
			// the broker may probe us before it confirms
			if err := Answer(s, m); err != nil {
				return err
			}
		case protocol.Registration:
			switch {
			case m.Accepted(r.Key):
				return nil
			case m.Rejected():
				return ErrRejected
			default:
				return fmt.Errorf("unexpected registration result %q", m.Name)
			}
		case protocol.Error:
			return fmt.Errorf("broker error during registration: %w", m)
		default:
			logger.Debug("ignoring message before registration result", zap.Stringer("type", p.Type()))
		}
	}
}

var heartbeatValid = protocol.MustEncode(protocol.Heartbeat{Status: protocol.HeartbeatValid})

// Answer handles a heartbeat read on a client receive loop: a request is
// echoed as valid, a valid echo resolves pending liveness probes.
func Answer(s session.Session, hb protocol.Heartbeat) error {
	if hb.Status == protocol.HeartbeatValid {
		s.TickAll()
		return nil
	}
	return s.Send(heartbeatValid)
}
