//go:build !no_serial
// +build !no_serial

package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/homerelay/pkg/network"
)

// SerialDevice talks newline-delimited text over a serial port. The port is
// opened on first use and reopened after a failure.
type SerialDevice struct {
	name   string
	config serial.Config
	logger *zap.Logger

	mu   sync.Mutex
	port *serial.Port
	r    network.FrameReader
	w    network.FrameWriter
}

var _ Device = (*SerialDevice)(nil)

// NewSerialDevice returns a device on port at baud. replyTimeout bounds each
// read.
func NewSerialDevice(name, port string, baud int, replyTimeout time.Duration, logger *zap.Logger) (*SerialDevice, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if replyTimeout <= 0 {
		replyTimeout = 2 * time.Second
	}
	return &SerialDevice{
		name:   name,
		config: serial.Config{Name: port, Baud: baud, ReadTimeout: replyTimeout},
		logger: logger.Named("serial").With(zap.String("device", name), zap.String("port", port)),
	}, nil
}

func (d *SerialDevice) Name() string { return d.name }

func (d *SerialDevice) open() error {
	if d.port != nil {
		return nil
	}
	p, err := serial.OpenPort(&d.config)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", d.config.Name, err)
	}
	d.port = p
	d.r = network.Lines.NewReader(p)
	d.w = network.Lines.NewWriter(p)
	d.logger.Info("serial port opened", zap.Int("baud", d.config.Baud))
	return nil
}

func (d *SerialDevice) Exchange(data string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.open(); err != nil {
		return "", err
	}
	if err := d.w.WriteFrame([]byte(data)); err != nil {
		d.closeLocked()
		return "", fmt.Errorf("device %s: %w", d.name, err)
	}
	reply, err := d.r.ReadFrame()
	if err != nil {
		d.closeLocked()
		return "", fmt.Errorf("device %s: %w", d.name, err)
	}
	if len(reply) == 0 {
		return "", fmt.Errorf("device %s: %w", d.name, ErrEmptyReply)
	}
	return string(reply), nil
}

func (d *SerialDevice) closeLocked() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port, d.r, d.w = nil, nil, nil
	return err
}

func (d *SerialDevice) Restart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *SerialDevice) Close() error { return d.Restart() }
