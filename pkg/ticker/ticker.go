// Package ticker correlates an expected event with a deadline. Each pending
// wait is resolved exactly once: by Tick before the deadline, by expiry
// after it, or abandoned when the Ticker closes.
package ticker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homerelay/internal/clock"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("ticker closed")

// Result is delivered on a Wait's channel.
type Result int

const (
	// Abandoned is the zero value received when the ticker closes while
	// the wait is pending.
	Abandoned Result = iota
	Ticked
	Expired
)

func (r Result) String() string {
	switch r {
	case Ticked:
		return "ticked"
	case Expired:
		return "expired"
	default:
		return "abandoned"
	}
}

// Wait is one pending expectation.
type Wait struct {
	Key string
	// C receives exactly one Result (or is closed empty on abandonment).
	C <-chan Result

	c     chan Result
	timer clock.Timer
}

// Ticker tracks pending waits.
type Ticker struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[string]*Wait
	closed  bool
}

// New returns a Ticker on the real clock.
func New() *Ticker {
	return NewWithClock(clock.Real())
}

// NewWithClock returns a Ticker driven by c.
func NewWithClock(c clock.Clock) *Ticker {
	return &Ticker{
		clock:   c,
		pending: make(map[string]*Wait),
	}
}

// Put registers a wait that expires after timeout unless ticked first.
func (t *Ticker) Put(timeout time.Duration) (*Wait, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	key := uuid.NewString()
	for _, taken := t.pending[key]; taken; _, taken = t.pending[key] {
		key = uuid.NewString()
	}

	c := make(chan Result, 1)
	w := &Wait{Key: key, C: c, c: c}
	t.pending[key] = w
	w.timer = t.clock.AfterFunc(timeout, func() { t.expire(key) })
	return w, nil
}

// Tick resolves the wait for key as Ticked. It reports whether a pending
// wait was found; a wait that already expired is left untouched.
func (t *Ticker) Tick(key string) bool {
	t.mu.Lock()
	w, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.timer.Stop()
	w.c <- Ticked
	close(w.c)
	return true
}

// TickAll ticks every pending wait. Used when the transport carries no
// correlation key and any inbound echo satisfies all outstanding probes.
func (t *Ticker) TickAll() int {
	t.mu.Lock()
	keys := make([]string, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	n := 0
	for _, k := range keys {
		if t.Tick(k) {
			n++
		}
	}
	return n
}

func (t *Ticker) expire(key string) {
	t.mu.Lock()
	w, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	w.c <- Expired
	close(w.c)
}

// Len returns the number of pending waits.
func (t *Ticker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops every timer and abandons every pending wait. Later Puts fail.
func (t *Ticker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]*Wait)
	t.mu.Unlock()

	for _, w := range pending {
		w.timer.Stop()
		close(w.c)
	}
}
