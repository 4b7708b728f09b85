package session

import (
	"net"
	"sync"
	"time"

	"github.com/homerelay/pkg/network"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/ticker"
)

// link is one established socket with its frame codec.
type link struct {
	conn net.Conn
	r    network.FrameReader
	w    network.FrameWriter
}

func newLink(conn net.Conn, framing network.Framing) *link {
	return &link{
		conn: conn,
		r:    framing.NewReader(conn),
		w:    framing.NewWriter(conn),
	}
}

func (l *link) write(msg []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return l.w.WriteFrame(msg)
}

func (l *link) read(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return l.r.ReadFrame()
}

var heartbeatRequest = protocol.MustEncode(protocol.Heartbeat{Status: protocol.HeartbeatRequest})

// probe runs one liveness check: register a wait, send the request, and
// report whether the wait was ticked.
func probe(tk *ticker.Ticker, timeout time.Duration, send func([]byte) error) <-chan bool {
	out := make(chan bool, 1)
	w, err := tk.Put(timeout)
	if err != nil {
		out <- false
		close(out)
		return out
	}
	if err := send(heartbeatRequest); err != nil {
		// the wait expires on its own; nobody reads it
		out <- false
		close(out)
		return out
	}
	go func() {
		r := <-w.C
		out <- r == ticker.Ticked
		close(out)
	}()
	return out
}

func failed() <-chan bool {
	out := make(chan bool, 1)
	out <- false
	close(out)
	return out
}

// nameHolder guards a session name set after registration.
type nameHolder struct {
	mu   sync.RWMutex
	name string
}

func (n *nameHolder) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *nameHolder) SetName(name string) {
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
}
