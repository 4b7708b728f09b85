package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/homerelay/internal/testutil"
	"github.com/homerelay/pkg/network"
	"github.com/homerelay/pkg/protocol"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = testutil.RequireReceive(t, accepted, 2*time.Second, "accept")
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func testOptions(t *testing.T) Options {
	return Options{Logger: zaptest.NewLogger(t), LivenessTimeout: 200 * time.Millisecond}
}

func TestPassive_SendReceive(t *testing.T) {
	srv, cli := tcpPair(t)
	s := NewPassive(srv, testOptions(t))
	defer s.Close()

	peerR := network.LengthPrefixed.NewReader(cli)
	peerW := network.LengthPrefixed.NewWriter(cli)

	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := peerR.ReadFrame()
	if err != nil || string(got) != "hello" {
		t.Fatalf("peer read = %q, %v", got, err)
	}

	if err := peerW.WriteFrame([]byte("world")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	got, err = s.Receive()
	if err != nil || string(got) != "world" {
		t.Fatalf("Receive = %q, %v", got, err)
	}
	if s.RemoteAddr() != srv.RemoteAddr().String() {
		t.Errorf("RemoteAddr = %s", s.RemoteAddr())
	}
}

func TestPassive_PeerCloseIsTerminal(t *testing.T) {
	srv, cli := tcpPair(t)
	s := NewPassive(srv, testOptions(t))

	cli.Close()
	if _, err := s.Receive(); err == nil {
		t.Fatal("Receive after peer close succeeded")
	}
	if s.IsPlausiblyValid() {
		t.Error("session still plausibly valid after receive failure")
	}
	if err := s.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send err = %v, want ErrClosed", err)
	}
	if _, err := s.Receive(); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive err = %v, want ErrClosed", err)
	}
	// idempotent
	s.Close()
	s.Close()
}

func TestPassive_ConcurrentSends(t *testing.T) {
	srv, cli := tcpPair(t)
	s := NewPassive(srv, testOptions(t))
	defer s.Close()

	const n = 50
	sent := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		sent[fmt.Sprintf("msg-%d", i)] = true
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for msg := range sent {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			errs <- s.Send([]byte(msg))
		}(msg)
	}

	r := network.LengthPrefixed.NewReader(cli)
	got := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		frame, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		msg := string(frame)
		if !sent[msg] {
			t.Fatalf("frame %d = %q, interleaved or unknown", i, msg)
		}
		if got[msg] {
			t.Fatalf("frame %q delivered twice", msg)
		}
		got[msg] = true
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Send: %v", err)
		}
	}
}

func TestPassive_NameAndTimeout(t *testing.T) {
	srv, _ := tcpPair(t)
	s := NewPassive(srv, testOptions(t))
	defer s.Close()

	s.SetName("M1")
	if s.Name() != "M1" {
		t.Errorf("Name = %q", s.Name())
	}
	start := time.Now()
	if _, err := s.ReceiveTimeout(50 * time.Millisecond); err == nil {
		t.Fatal("ReceiveTimeout returned without data")
	}
	if time.Since(start) > time.Second {
		t.Error("ReceiveTimeout did not honour its deadline")
	}
}

// echoHeartbeats answers every heartbeat request read from conn.
func echoHeartbeats(conn net.Conn) {
	r := network.LengthPrefixed.NewReader(conn)
	w := network.LengthPrefixed.NewWriter(conn)
	valid := protocol.MustEncode(protocol.Heartbeat{Status: protocol.HeartbeatValid})
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		if hb, err := protocol.Decode(frame); err == nil {
			if h, ok := hb.(protocol.Heartbeat); ok && h.Status == protocol.HeartbeatRequest {
				if w.WriteFrame(valid) != nil {
					return
				}
			}
		}
	}
}

func TestCheckLiveness(t *testing.T) {
	t.Run("alive peer", func(t *testing.T) {
		srv, cli := tcpPair(t)
		s := NewPassive(srv, testOptions(t))
		defer s.Close()
		go echoHeartbeats(cli)

		// receive loop feeds VALID heartbeats into TickAll
		go func() {
			for {
				if _, err := s.Receive(); err != nil {
					return
				}
				s.TickAll()
			}
		}()

		if !testutil.RequireReceive(t, s.CheckLiveness(), 2*time.Second, "liveness") {
			t.Fatal("live peer reported dead")
		}
	})

	t.Run("silent peer", func(t *testing.T) {
		srv, _ := tcpPair(t)
		s := NewPassive(srv, testOptions(t))
		defer s.Close()

		if testutil.RequireReceive(t, s.CheckLiveness(), 2*time.Second, "liveness") {
			t.Fatal("silent peer reported alive")
		}
	})

	t.Run("closed session", func(t *testing.T) {
		srv, _ := tcpPair(t)
		s := NewPassive(srv, testOptions(t))
		s.Close()

		select {
		case ok := <-s.CheckLiveness():
			if ok {
				t.Fatal("closed session reported alive")
			}
		default:
			t.Fatal("closed session did not answer immediately")
		}
	})

	t.Run("close abandons probe", func(t *testing.T) {
		srv, _ := tcpPair(t)
		opts := testOptions(t)
		opts.LivenessTimeout = time.Minute
		s := NewPassive(srv, opts)

		ch := s.CheckLiveness()
		s.Close()
		if testutil.RequireReceive(t, ch, 2*time.Second, "abandoned probe") {
			t.Fatal("abandoned probe reported alive")
		}
	})
}

func TestActive_LazyDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	a := NewActive(ln.Addr().String(), testOptions(t))
	defer a.Close()
	if a.IsPlausiblyValid() {
		t.Fatal("unconnected session reported valid")
	}
	testutil.RequireNoReceive(t, accepted, 50*time.Millisecond, "dial before first use")

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	peer := testutil.RequireReceive(t, accepted, 2*time.Second, "lazy dial")
	defer peer.Close()
	got, err := network.LengthPrefixed.NewReader(peer).ReadFrame()
	if err != nil || string(got) != "ping" {
		t.Fatalf("peer read = %q, %v", got, err)
	}
	if !a.IsPlausiblyValid() {
		t.Error("connected session not plausibly valid")
	}

	// peer drop closes the socket, not the session
	peer.Close()
	if _, err := a.Receive(); err == nil {
		t.Fatal("Receive after peer close succeeded")
	}
	if a.IsPlausiblyValid() {
		t.Error("socket still held after receive failure")
	}
	if err := a.Send([]byte("again")); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	peer2 := testutil.RequireReceive(t, accepted, 2*time.Second, "redial")
	defer peer2.Close()
}

func TestActive_RetriesExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	opts := testOptions(t)
	opts.RetryTimes = 3
	opts.DialTimeout = 200 * time.Millisecond
	a := NewActive(addr, opts)
	defer a.Close()

	if err := a.Send([]byte("x")); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Send err = %v, want ErrRetriesExhausted", err)
	}
	if err := a.Connect(); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Connect err = %v, want ErrRetriesExhausted", err)
	}
}

func TestActive_CloseAndRestart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go echoHeartbeats(c)
		}
	}()

	a := NewActive(ln.Addr().String(), testOptions(t))
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.Close()
	if err := a.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close err = %v, want ErrClosed", err)
	}

	if err := a.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	defer a.Close()
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect after Restart: %v", err)
	}

	go func() {
		for {
			if _, err := a.Receive(); err != nil {
				return
			}
			a.TickAll()
		}
	}()
	if !testutil.RequireReceive(t, a.CheckLiveness(), 2*time.Second, "liveness after restart") {
		t.Fatal("restarted session failed liveness")
	}
}

// flakyListener closes the first dropFirst accepted connections at once and
// greets later ones with a "hello" frame. Every accepted connection is
// reported on the returned channel.
func flakyListener(t *testing.T, dropFirst int) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan net.Conn, 8)
	go func() {
		for i := 0; ; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if i < dropFirst {
				c.Close()
			} else {
				network.LengthPrefixed.NewWriter(c).WriteFrame([]byte("hello"))
			}
			accepted <- c
		}
	}()
	return ln.Addr().String(), accepted
}

func TestActive_RetryAfterUnhealthy(t *testing.T) {
	t.Run("redials after io error", func(t *testing.T) {
		addr, accepted := flakyListener(t, 1)
		opts := testOptions(t)
		opts.RetryTimes = 2
		opts.RetryAfterUnhealthy = true
		a := NewActive(addr, opts)
		defer a.Close()

		got, err := a.ReceiveTimeout(2 * time.Second)
		if err != nil || string(got) != "hello" {
			t.Fatalf("Receive = %q, %v", got, err)
		}
		testutil.RequireReceive(t, accepted, time.Second, "first connection")
		testutil.RequireReceive(t, accepted, time.Second, "second connection").Close()
	})

	t.Run("fails after one io error when disabled", func(t *testing.T) {
		addr, accepted := flakyListener(t, 1)
		opts := testOptions(t)
		opts.RetryTimes = 3
		a := NewActive(addr, opts)
		defer a.Close()

		_, err := a.ReceiveTimeout(2 * time.Second)
		if err == nil {
			t.Fatal("Receive on dropped connection succeeded")
		}
		if errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("Receive err = %v, want the io error itself", err)
		}
		testutil.RequireReceive(t, accepted, time.Second, "first connection")
		testutil.RequireNoReceive(t, accepted, 100*time.Millisecond, "redial")
	})
}
