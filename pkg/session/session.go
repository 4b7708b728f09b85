// Package session wraps one framed TCP connection with the operations the
// relay needs: whole-message send and receive, a local health check, a
// confirmed heartbeat round trip, and idempotent close.
//
// Passive sessions wrap an accepted connection and die with it. Active
// sessions dial out on demand and can be restarted.
package session

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/internal/clock"
	"github.com/homerelay/pkg/network"
)

var (
	// ErrClosed is returned by every operation on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrRetriesExhausted is returned when an Active session used up its
	// connection budget without completing the operation.
	ErrRetriesExhausted = errors.New("connection retries exhausted")
)

// Session is a managed duplex connection.
type Session interface {
	Name() string
	SetName(name string)
	RemoteAddr() string

	// Send writes one whole message.
	Send(msg []byte) error
	// Receive blocks for the next whole message.
	Receive() ([]byte, error)

	// CheckLiveness sends a heartbeat request and delivers true once if the
	// peer answers within the liveness timeout. The answer must be fed to
	// TickAll by whoever runs the receive loop. If the session is not
	// plausibly valid, false is delivered immediately.
	CheckLiveness() <-chan bool
	// TickAll resolves every outstanding liveness probe as alive.
	TickAll()

	// IsPlausiblyValid is a local check only: a socket is held and the
	// session is not closed.
	IsPlausiblyValid() bool

	Close() error
}

// Options configures both session variants.
type Options struct {
	Logger  *zap.Logger
	Framing network.Framing
	Clock   clock.Clock

	// RetryTimes is the number of connection attempts an Active session
	// makes per operation.
	RetryTimes int
	// RetryAfterUnhealthy lets an Active session reconnect, within the same
	// budget, after an I/O failure on an established connection.
	RetryAfterUnhealthy bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ReadTimeout of zero means reads wait indefinitely.
	ReadTimeout     time.Duration
	LivenessTimeout time.Duration
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Framing:         network.LengthPrefixed,
		Clock:           clock.Real(),
		RetryTimes:      1,
		DialTimeout:     2 * time.Second,
		WriteTimeout:    10 * time.Second,
		LivenessTimeout: 2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Framing == nil {
		o.Framing = d.Framing
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.RetryTimes < 1 {
		o.RetryTimes = d.RetryTimes
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = d.LivenessTimeout
	}
	return o
}
