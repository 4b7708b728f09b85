package broker

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/homerelay/internal/testutil"
	"github.com/homerelay/pkg/network"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

const wait = 3 * time.Second

func testConfig() Config {
	return Config{
		Address:             "127.0.0.1:0",
		RegistrationTimeout: time.Second,
		Session:             session.Options{LivenessTimeout: 300 * time.Millisecond},
	}
}

func startBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	b := New(cfg, zaptest.NewLogger(t))
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b
}

// client speaks the broker protocol over a raw connection. A background
// reader answers heartbeat requests while answer is set and queues every
// other frame.
type client struct {
	t      *testing.T
	conn   net.Conn
	w      network.FrameWriter
	frames chan []byte
	closed chan struct{}
	answer atomic.Bool
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &client{
		t:      t,
		conn:   conn,
		w:      network.LengthPrefixed.NewWriter(conn),
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	c.answer.Store(true)
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *client) readLoop() {
	defer close(c.closed)
	r := network.LengthPrefixed.NewReader(c.conn)
	valid := protocol.MustEncode(protocol.Heartbeat{Status: protocol.HeartbeatValid})
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		if p, err := protocol.Decode(frame); err == nil {
			if hb, ok := p.(protocol.Heartbeat); ok && hb.Status == protocol.HeartbeatRequest {
				if c.answer.Load() {
					c.w.WriteFrame(valid)
				}
				continue
			}
		}
		c.frames <- frame
	}
}

func (c *client) send(p protocol.Payload) {
	c.t.Helper()
	c.sendRaw(protocol.MustEncode(p))
}

func (c *client) sendRaw(frame []byte) {
	c.t.Helper()
	if err := c.w.WriteFrame(frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recvRaw() []byte {
	c.t.Helper()
	return testutil.RequireReceive(c.t, c.frames, wait, "frame from broker")
}

func (c *client) recv() protocol.Payload {
	c.t.Helper()
	p, err := protocol.Decode(c.recvRaw())
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return p
}

func (c *client) register(key string, role protocol.Role) protocol.Registration {
	c.t.Helper()
	c.send(protocol.Registration{Name: key, Role: role})
	reg, ok := c.recv().(protocol.Registration)
	if !ok {
		c.t.Fatalf("expected registration result")
	}
	return reg
}

func (c *client) mustRegister(key string, role protocol.Role) {
	c.t.Helper()
	if reg := c.register(key, role); !reg.Accepted(key) {
		c.t.Fatalf("registration of %s = %+v, want accepted", key, reg)
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(wait):
		c.t.Fatal("connection was not closed by the broker")
	}
}

func TestRegistration(t *testing.T) {
	b := startBroker(t, testConfig())

	m1 := dial(t, b.Addr())
	m1.mustRegister("M1", protocol.RoleLocalManager)

	// live holder keeps the key
	m2 := dial(t, b.Addr())
	if reg := m2.register("M1", protocol.RoleLocalManager); !reg.Rejected() {
		t.Fatalf("second registration = %+v, want rejected", reg)
	}
	m2.expectClosed()

	// holder stops answering: the probe fails and the key moves
	m1.answer.Store(false)
	m3 := dial(t, b.Addr())
	m3.mustRegister("M1", protocol.RoleLocalManager)
	m1.expectClosed()

	if got, _ := b.Registry().Lookup("M1"); got == nil || got.Name() != "M1" {
		t.Fatalf("registry holder = %v", got)
	}
	if b.Registry().Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Registry().Len())
	}
}

func TestRegistration_AfterHolderDisconnects(t *testing.T) {
	b := startBroker(t, testConfig())

	m1 := dial(t, b.Addr())
	m1.mustRegister("M1", protocol.RoleLocalManager)
	m1.conn.Close()
	testutil.Eventually(t, wait, func() bool { return b.Registry().Len() == 0 }, "holder removed")

	m2 := dial(t, b.Addr())
	m2.mustRegister("M1", protocol.RoleLocalManager)
}

func TestRegistration_Invalid(t *testing.T) {
	b := startBroker(t, testConfig())

	tests := map[string][]byte{
		"result role":  protocol.MustEncode(protocol.Registration{Name: "X", Role: protocol.RoleResult}),
		"not a reg":    protocol.MustEncode(protocol.Text("hello")),
		"malformed":    []byte("{{"),
		"unknown type": []byte(`{"type":9,"data":"x"}`),
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			c := dial(t, b.Addr())
			c.sendRaw(frame)
			c.expectClosed()
		})
	}
	if b.Registry().Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Registry().Len())
	}
}

func TestRelayRoundTrip(t *testing.T) {
	b := startBroker(t, testConfig())

	m1 := dial(t, b.Addr())
	m1.mustRegister("M1", protocol.RoleLocalManager)
	c1 := dial(t, b.Addr())
	c1.mustRegister("C1", protocol.RoleRemoteController)

	req := protocol.MustEncode(protocol.Relay{FromKey: "C1", ToKey: "M1", Info: "lamp", Data: "on"})
	c1.sendRaw(req)
	if got := m1.recvRaw(); string(got) != string(req) {
		t.Fatalf("forwarded frame = %s, want %s", got, req)
	}

	reply := protocol.Relay{FromKey: "C1", ToKey: "M1", Info: "lamp"}.Reply(string(protocol.MustEncode(protocol.Text("ok"))))
	m1.send(reply)
	got, ok := c1.recv().(protocol.Relay)
	if !ok {
		t.Fatal("controller did not receive a relay")
	}
	if got.FromKey != "M1" || got.ToKey != "C1" || got.Info != "lamp" {
		t.Fatalf("reply = %+v", got)
	}
	if inner, err := got.Unwrap(); err != nil || inner != protocol.Text("ok") {
		t.Fatalf("reply data = %v, %v", inner, err)
	}
}

func TestRelayUnknownKey(t *testing.T) {
	b := startBroker(t, testConfig())

	c1 := dial(t, b.Addr())
	c1.mustRegister("C1", protocol.RoleRemoteController)
	c1.send(protocol.Relay{FromKey: "C1", ToKey: "nobody", Info: "lamp", Data: "on"})

	got, ok := c1.recv().(protocol.Relay)
	if !ok {
		t.Fatal("expected error relay")
	}
	if !got.IsErrorReply() || got.FromKey != "nobody" || got.ToKey != "C1" {
		t.Fatalf("error reply = %+v", got)
	}
	inner, err := got.Unwrap()
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if e, ok := inner.(protocol.Error); !ok || e.Code != protocol.CodeKeyNotFound {
		t.Fatalf("error payload = %#v, want code 6", inner)
	}
}

func TestHeartbeatAndMalformed(t *testing.T) {
	b := startBroker(t, testConfig())

	c := dial(t, b.Addr())
	c.mustRegister("C1", protocol.RoleRemoteController)

	c.sendRaw([]byte("not json"))
	c.send(protocol.Heartbeat{Status: protocol.HeartbeatRequest})
	hb, ok := c.recv().(protocol.Heartbeat)
	if !ok || hb.Status != protocol.HeartbeatValid {
		t.Fatalf("heartbeat reply = %+v", hb)
	}

	// broker-side probe is answered by the client's reader
	s, _ := b.Registry().Lookup("C1")
	if !testutil.RequireReceive(t, s.CheckLiveness(), wait, "probe") {
		t.Fatal("probe of a live client failed")
	}
}

func TestBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 2
	b := New(cfg, zaptest.NewLogger(t))
	// accept without starting the consumer so the queue only fills
	srv := network.NewServer("127.0.0.1:0", b, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		b.Stop()
	})

	c := dial(t, srv.Addr())
	c.mustRegister("C1", protocol.RoleRemoteController)
	relay := protocol.Relay{FromKey: "C1", ToKey: "M1", Info: "lamp", Data: "on"}
	for i := 0; i < cfg.QueueSize; i++ {
		c.send(relay)
	}
	testutil.Eventually(t, wait, func() bool { return b.QueueLen() == cfg.QueueSize }, "queue filled")

	c.send(relay)
	e, ok := c.recv().(protocol.Error)
	if !ok || e.Code != protocol.CodeQueueFull {
		t.Fatalf("overflow reply = %#v, want code 4", e)
	}
	if b.QueueLen() != cfg.QueueSize {
		t.Errorf("QueueLen = %d, rejected message was queued", b.QueueLen())
	}
}

func TestAdminHandlers(t *testing.T) {
	b := startBroker(t, testConfig())
	c := dial(t, b.Addr())
	c.mustRegister("M1", protocol.RoleLocalManager)

	mux := http.NewServeMux()
	b.RegisterHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/sessions status = %d", rec.Code)
	}
	var sessions []SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode /sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Key != "M1" || sessions[0].Role != "manager" {
		t.Fatalf("/sessions = %+v", sessions)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil || h.Status != "ok" || h.Sessions != 1 {
		t.Fatalf("/healthz = %+v, %v", h, err)
	}
}

func TestStopClosesSessions(t *testing.T) {
	b := New(testConfig(), zaptest.NewLogger(t))
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := dial(t, b.Addr())
	c.mustRegister("M1", protocol.RoleLocalManager)
	idle := dial(t, b.Addr())

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c.expectClosed()
	idle.expectClosed()
	if b.Registry().Len() != 0 {
		t.Errorf("Len after Stop = %d", b.Registry().Len())
	}
}
