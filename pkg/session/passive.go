package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/pkg/ticker"
)

// Passive wraps an accepted connection. Any I/O failure closes it for good.
type Passive struct {
	nameHolder
	opts   Options
	logger *zap.Logger
	link   *link
	remote string
	ticker *ticker.Ticker

	sendMu sync.Mutex
	recvMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Session = (*Passive)(nil)

// NewPassive takes ownership of conn.
func NewPassive(conn net.Conn, opts Options) *Passive {
	opts = opts.withDefaults()
	remote := conn.RemoteAddr().String()
	return &Passive{
		opts:   opts,
		logger: opts.Logger.Named("session").With(zap.String("remote", remote)),
		link:   newLink(conn, opts.Framing),
		remote: remote,
		ticker: ticker.NewWithClock(opts.Clock),
	}
}

func (p *Passive) RemoteAddr() string { return p.remote }

func (p *Passive) Send(msg []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.link.write(msg, p.opts.WriteTimeout); err != nil {
		p.Close()
		return fmt.Errorf("send to %s: %w", p.remote, err)
	}
	return nil
}

func (p *Passive) Receive() ([]byte, error) {
	return p.ReceiveTimeout(p.opts.ReadTimeout)
}

// ReceiveTimeout is Receive with an explicit read deadline. Zero waits
// indefinitely.
func (p *Passive) ReceiveTimeout(d time.Duration) ([]byte, error) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	msg, err := p.link.read(d)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("receive from %s: %w", p.remote, err)
	}
	return msg, nil
}

func (p *Passive) CheckLiveness() <-chan bool {
	if !p.IsPlausiblyValid() {
		return failed()
	}
	return probe(p.ticker, p.opts.LivenessTimeout, p.Send)
}

func (p *Passive) TickAll() { p.ticker.TickAll() }

func (p *Passive) IsPlausiblyValid() bool { return !p.closed.Load() }

// Close releases the socket and abandons pending liveness probes. It is
// safe to call more than once.
func (p *Passive) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = p.link.conn.Close()
		p.ticker.Close()
		p.logger.Debug("session closed", zap.String("name", p.Name()))
	})
	return err
}
