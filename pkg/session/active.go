package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/homerelay/pkg/network"
	"github.com/homerelay/pkg/ticker"
)

// Active dials its peer on first use and again after the socket drops. A
// closed Active session becomes usable again through Restart.
type Active struct {
	nameHolder
	address string
	opts    Options
	logger  *zap.Logger
	dialer  *network.Dialer

	sendMu sync.Mutex
	recvMu sync.Mutex

	// connMu guards link and ticker.
	connMu sync.Mutex
	link   *link
	ticker *ticker.Ticker

	closed atomic.Bool
}

var _ Session = (*Active)(nil)

// NewActive returns an unconnected session to address.
func NewActive(address string, opts Options) *Active {
	opts = opts.withDefaults()
	return &Active{
		address: address,
		opts:    opts,
		logger:  opts.Logger.Named("session").With(zap.String("remote", address)),
		dialer:  network.NewDialer(opts.DialTimeout),
		ticker:  ticker.NewWithClock(opts.Clock),
	}
}

func (a *Active) RemoteAddr() string { return a.address }

// Connect makes sure a socket is held, dialing within the retry budget.
func (a *Active) Connect() error {
	var lastErr error
	for attempt := 0; attempt < a.opts.RetryTimes; attempt++ {
		_, err := a.connect()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// connect returns the current link, dialing once if there is none.
func (a *Active) connect() (*link, error) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if a.link != nil {
		return a.link, nil
	}
	conn, err := a.dialer.Dial(context.Background(), a.address)
	if err != nil {
		a.logger.Debug("dial failed", zap.Error(err))
		return nil, err
	}
	a.link = newLink(conn, a.opts.Framing)
	a.logger.Debug("connected", zap.String("local", conn.LocalAddr().String()))
	return a.link, nil
}

// drop closes l if it is still the current link.
func (a *Active) drop(l *link) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.link == l {
		l.conn.Close()
		a.link = nil
	}
}

// do runs op on a connected link within the retry budget.
func (a *Active) do(op func(*link) error) error {
	var lastErr error
	for attempt := 0; attempt < a.opts.RetryTimes; attempt++ {
		l, err := a.connect()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			lastErr = err
			continue
		}
		if err := op(l); err != nil {
			a.drop(l)
			if a.closed.Load() {
				return ErrClosed
			}
			if !a.opts.RetryAfterUnhealthy {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func (a *Active) Send(msg []byte) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	err := a.do(func(l *link) error { return l.write(msg, a.opts.WriteTimeout) })
	if err != nil {
		return fmt.Errorf("send to %s: %w", a.address, err)
	}
	return nil
}

func (a *Active) Receive() ([]byte, error) {
	return a.ReceiveTimeout(a.opts.ReadTimeout)
}

// ReceiveTimeout is Receive with an explicit read deadline. Zero waits
// indefinitely. A failed read drops the socket but leaves the session
// usable.
func (a *Active) ReceiveTimeout(d time.Duration) ([]byte, error) {
	a.recvMu.Lock()
	defer a.recvMu.Unlock()
	var msg []byte
	err := a.do(func(l *link) error {
		var err error
		msg, err = l.read(d)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", a.address, err)
	}
	return msg, nil
}

func (a *Active) currentTicker() *ticker.Ticker {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.ticker
}

func (a *Active) CheckLiveness() <-chan bool {
	if !a.IsPlausiblyValid() {
		return failed()
	}
	return probe(a.currentTicker(), a.opts.LivenessTimeout, a.Send)
}

func (a *Active) TickAll() { a.currentTicker().TickAll() }

func (a *Active) IsPlausiblyValid() bool {
	if a.closed.Load() {
		return false
	}
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.link != nil
}

// Close drops the socket and abandons pending liveness probes. Later
// operations fail with ErrClosed until Restart.
func (a *Active) Close() error {
	a.closed.Store(true)
	a.connMu.Lock()
	defer a.connMu.Unlock()
	var err error
	if a.link != nil {
		err = a.link.conn.Close()
		a.link = nil
		a.logger.Debug("session closed", zap.String("name", a.Name()))
	}
	a.ticker.Close()
	return err
}

// Restart closes the session and makes it usable again; the next operation
// dials a fresh connection.
func (a *Active) Restart() error {
	err := a.Close()
	a.connMu.Lock()
	a.ticker = ticker.NewWithClock(a.opts.Clock)
	a.closed.Store(false)
	a.connMu.Unlock()
	return err
}
