package manager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/pkg/network"
	"github.com/homerelay/pkg/session"
)

// ErrEmptyReply is returned when a device answers with nothing.
var ErrEmptyReply = errors.New("device returned an empty reply")

// Device is a named local device that answers one request with one reply.
type Device interface {
	Name() string
	// Exchange sends data and waits for the device's reply.
	Exchange(data string) (string, error)
	Restart() error
	Close() error
}

// TCPDevice talks newline-delimited text to a device on the LAN.
type TCPDevice struct {
	name         string
	session      *session.Active
	replyTimeout time.Duration
	mu           sync.Mutex
}

var _ Device = (*TCPDevice)(nil)

// NewTCPDevice returns a device reached at address. The connection is made
// on first use.
func NewTCPDevice(name, address string, replyTimeout time.Duration, logger *zap.Logger) *TCPDevice {
	if replyTimeout <= 0 {
		replyTimeout = 2 * time.Second
	}
	s := session.NewActive(address, session.Options{
		Logger:  logger,
		Framing: network.Lines,
	})
	s.SetName(name)
	return &TCPDevice{name: name, session: s, replyTimeout: replyTimeout}
}

func (d *TCPDevice) Name() string { return d.name }

func (d *TCPDevice) Exchange(data string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.session.Send([]byte(data)); err != nil {
		return "", fmt.Errorf("device %s: %w", d.name, err)
	}
	reply, err := d.session.ReceiveTimeout(d.replyTimeout)
	if err != nil {
		return "", fmt.Errorf("device %s: %w", d.name, err)
	}
	if len(reply) == 0 {
		return "", fmt.Errorf("device %s: %w", d.name, ErrEmptyReply)
	}
	return string(reply), nil
}

func (d *TCPDevice) Restart() error { return d.session.Restart() }

func (d *TCPDevice) Close() error { return d.session.Close() }

func (d *TCPDevice) String() string {
	return fmt.Sprintf("tcp device %s at %s", d.name, d.session.RemoteAddr())
}
