package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/tcprelay/internal/protocol"
	"github.com/Tyrowin/tcprelay/internal/testhelpers"
)

const (
	testTimeout  = 2 * time.Second
	quietTimeout = 200 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRelay runs a hub and a TCP listener on a loopback port for the
// duration of the test.
func startRelay(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	hub := NewHub(cfg, testLogger())
	listener := NewListener(hub, cfg, testLogger())

	go hub.Run()
	served := make(chan error, 1)
	go func() { served <- listener.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = listener.Shutdown(ctx)
		if err := hub.Shutdown(testTimeout); err != nil {
			t.Errorf("Hub shutdown returned error: %v", err)
		}
		if err := <-served; !errors.Is(err, ErrListenerClosed) {
			t.Errorf("Serve returned %v, want ErrListenerClosed", err)
		}
	})

	return hub, ln.Addr().String()
}

// joinRelay dials and waits until the hub has subscribed the new session.
func joinRelay(t *testing.T, hub *Hub, addr string) *testhelpers.RelayConn {
	t.Helper()

	before := hub.Stats().Subscribers
	conn := testhelpers.DialRelay(t, addr)
	testhelpers.WaitFor(t, testTimeout, "session subscription", func() bool {
		return hub.Stats().Subscribers > before
	})
	return conn
}

func TestHandshakeAcceptsGreeting(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())

	joinRelay(t, hub, addr)

	stats := hub.Stats()
	if stats.Connections != 1 {
		t.Errorf("Expected 1 active connection, got %d", stats.Connections)
	}
	if stats.HandshakeFailures != 0 {
		t.Errorf("Expected no handshake failures, got %d", stats.HandshakeFailures)
	}
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		close bool
	}{
		{name: "wrong token", frame: "Hello:Nope\n\x00"},
		{name: "missing key", frame: "Hi:GoToGroup\n\x00"},
		{name: "closed before terminator", frame: "Hello:GoToGroup\n", close: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, addr := startRelay(t, *NewConfig())

			conn := testhelpers.Dial(t, addr)
			if err := conn.SendRaw(tt.frame); err != nil {
				t.Fatalf("Failed to send frame: %v", err)
			}
			if tt.close {
				if err := conn.Conn.(*net.TCPConn).CloseWrite(); err != nil {
					t.Fatalf("Failed to half-close: %v", err)
				}
			}

			conn.ExpectClosed(t, testTimeout)
			testhelpers.WaitFor(t, testTimeout, "handshake failure", func() bool {
				return hub.Stats().HandshakeFailures == 1
			})

			stats := hub.Stats()
			if stats.Connections != 0 || stats.Subscribers != 0 {
				t.Errorf("Expected no session, got %d connections and %d subscribers",
					stats.Connections, stats.Subscribers)
			}
		})
	}
}

func TestHandshakeSkipsMalformedLines(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())

	conn := testhelpers.Dial(t, addr)
	if err := conn.SendRaw("NoColonHere\nHello:GoToGroup\n\x00"); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	testhelpers.WaitFor(t, testTimeout, "session subscription", func() bool {
		return hub.Stats().Subscribers == 1
	})
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := *NewConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	hub, addr := startRelay(t, cfg)

	conn := testhelpers.Dial(t, addr)
	if err := conn.SendRaw("Hello:GoToGroup\n"); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	conn.ExpectClosed(t, testTimeout)
	if hub.Stats().Connections != 0 {
		t.Error("Expected stalled handshake to be dropped")
	}
}

func TestHandshakeWithRecordInSameWrite(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())
	observer := joinRelay(t, hub, addr)

	msg := protocol.Message{Sender: "eager", SendTime: "t", Message: "first"}
	line, err := msg.Encode()
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	sender := testhelpers.Dial(t, addr)
	if err := sender.SendRaw(testhelpers.Greeting + string(line) + "\n"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := observer.ReceiveMessage(testTimeout)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if got != msg {
		t.Errorf("Expected %+v, got %+v", msg, got)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())
	alice := joinRelay(t, hub, addr)
	bob := joinRelay(t, hub, addr)

	msg := protocol.Message{Sender: "Alice", SendTime: "2024-01-01T00:00:00Z", Message: "hi"}
	if err := alice.SendMessage(msg); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := bob.ReceiveMessage(testTimeout)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if got != msg {
		t.Errorf("Expected %+v, got %+v", msg, got)
	}
}

// TestRawLineRelayedUnchanged verifies the relay forwards the original bytes
// rather than a re-encoded copy.
func TestRawLineRelayedUnchanged(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())
	sender := joinRelay(t, hub, addr)
	receiver := joinRelay(t, hub, addr)

	raw := `{ "message" : "spaced",  "sender":"x", "send_time":"t", "extra": 1 }`
	if err := sender.SendRaw(raw + "\n"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := receiver.ReadLine(testTimeout)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if got != raw {
		t.Errorf("Expected raw line %q, got %q", raw, got)
	}
}

func TestInvalidRecordIsolation(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())
	sender := joinRelay(t, hub, addr)
	receiver := joinRelay(t, hub, addr)

	if err := sender.SendRaw("not a valid record\n"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	valid := protocol.Message{Sender: "s", SendTime: "t", Message: "after invalid"}
	if err := sender.SendMessage(valid); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	for name, conn := range map[string]*testhelpers.RelayConn{"sender": sender, "receiver": receiver} {
		got, err := conn.ReceiveMessage(testTimeout)
		if err != nil {
			t.Fatalf("%s failed to receive: %v", name, err)
		}
		if got != valid {
			t.Errorf("%s expected %+v, got %+v", name, valid, got)
		}
	}

	if dropped := hub.Stats().DroppedInvalid; dropped != 1 {
		t.Errorf("Expected 1 invalid record, got %d", dropped)
	}
}

func TestFanOutIncludesSender(t *testing.T) {
	const numClients = 5
	hub, addr := startRelay(t, *NewConfig())

	clients := make([]*testhelpers.RelayConn, numClients)
	for i := range clients {
		clients[i] = joinRelay(t, hub, addr)
	}

	msg, err := clients[2].SendChat("client-2", "to everyone")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	for i, c := range clients {
		got, err := c.ReceiveMessage(testTimeout)
		if err != nil {
			t.Fatalf("Client %d failed to receive: %v", i, err)
		}
		if got != msg {
			t.Errorf("Client %d expected %+v, got %+v", i, msg, got)
		}
		c.ExpectNoMessage(t, 50*time.Millisecond)
	}
}

func TestConcurrentSendersSameOrderEverywhere(t *testing.T) {
	const (
		numClients = 3
		perClient  = 20
	)
	hub, addr := startRelay(t, *NewConfig())

	clients := make([]*testhelpers.RelayConn, numClients)
	for i := range clients {
		clients[i] = joinRelay(t, hub, addr)
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(id int, c *testhelpers.RelayConn) {
			defer wg.Done()
			for n := 0; n < perClient; n++ {
				msg := protocol.Message{Sender: fmt.Sprintf("client-%d", id), SendTime: "t", Message: fmt.Sprint(n)}
				if err := c.SendMessage(msg); err != nil {
					t.Errorf("Client %d failed to send: %v", id, err)
					return
				}
			}
		}(i, c)
	}
	wg.Wait()

	var reference []string
	for i, c := range clients {
		var seen []string
		for n := 0; n < numClients*perClient; n++ {
			line, err := c.ReadLine(testTimeout)
			if err != nil {
				t.Fatalf("Client %d failed after %d records: %v", i, n, err)
			}
			seen = append(seen, line)
		}
		if reference == nil {
			reference = seen
			continue
		}
		if strings.Join(seen, "\n") != strings.Join(reference, "\n") {
			t.Errorf("Client %d observed a different order", i)
		}
	}
}

func TestLateJoinerSeesNoHistory(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())
	early := joinRelay(t, hub, addr)

	before := protocol.Message{Sender: "early", SendTime: "t", Message: "before"}
	if err := early.SendMessage(before); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if _, err := early.ReceiveMessage(testTimeout); err != nil {
		t.Fatalf("Failed to receive own echo: %v", err)
	}

	late := joinRelay(t, hub, addr)

	after := protocol.Message{Sender: "early", SendTime: "t", Message: "after"}
	if err := early.SendMessage(after); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := late.ReceiveMessage(testTimeout)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if got != after {
		t.Errorf("Late joiner expected %+v first, got %+v", after, got)
	}
	late.ExpectNoMessage(t, quietTimeout)
}

func TestReaderEndReleasesSession(t *testing.T) {
	hub, addr := startRelay(t, *NewConfig())
	conn := joinRelay(t, hub, addr)

	_ = conn.Close()

	testhelpers.WaitFor(t, testTimeout, "session release", func() bool {
		stats := hub.Stats()
		return stats.Connections == 0 && stats.Subscribers == 0
	})
}

func TestOversizedRecordEndsSession(t *testing.T) {
	cfg := *NewConfig()
	cfg.MaxMessageSize = 128
	hub, addr := startRelay(t, cfg)
	conn := joinRelay(t, hub, addr)

	if err := conn.SendRaw(strings.Repeat("x", 512) + "\n"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	conn.ExpectClosed(t, testTimeout)
	testhelpers.WaitFor(t, testTimeout, "session release", func() bool {
		return hub.Stats().Connections == 0
	})
}

// TestRecordAtMaximumSizeRelayed verifies the size limit applies to the
// record alone and not to its terminator.
func TestRecordAtMaximumSizeRelayed(t *testing.T) {
	line := `{"sender":"s","send_time":"t","message":"` + strings.Repeat("x", 32) + `"}`
	cfg := *NewConfig()
	cfg.MaxMessageSize = len(line)
	hub, addr := startRelay(t, cfg)
	conn := joinRelay(t, hub, addr)

	if err := conn.SendRaw(line + "\n"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	got, err := conn.ReadLine(testTimeout)
	if err != nil {
		t.Fatalf("Failed to receive: %v", err)
	}
	if got != line {
		t.Errorf("Expected %q, got %q", line, got)
	}
	if connections := hub.Stats().Connections; connections != 1 {
		t.Errorf("Expected session to stay open, got %d connections", connections)
	}
}

func TestRateLimitedRecordsDropped(t *testing.T) {
	cfg := *NewConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	hub, addr := startRelay(t, cfg)
	conn := joinRelay(t, hub, addr)

	for i := 0; i < 4; i++ {
		msg := protocol.Message{Sender: "noisy", SendTime: "t", Message: fmt.Sprint(i)}
		if err := conn.SendMessage(msg); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		got, err := conn.ReceiveMessage(testTimeout)
		if err != nil {
			t.Fatalf("Failed to receive: %v", err)
		}
		if got.Message != fmt.Sprint(i) {
			t.Errorf("Expected message %d, got %q", i, got.Message)
		}
	}
	conn.ExpectNoMessage(t, quietTimeout)

	if dropped := hub.Stats().DroppedRate; dropped != 2 {
		t.Errorf("Expected 2 rate-limited records, got %d", dropped)
	}
}

func TestListenerShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	hub := NewHub(*NewConfig(), testLogger())
	listener := NewListener(hub, *NewConfig(), testLogger())
	go hub.Run()

	served := make(chan error, 1)
	go func() { served <- listener.Serve(ln) }()

	testhelpers.WaitFor(t, testTimeout, "listener start", func() bool {
		return listener.Addr() != nil
	})
	conn := joinRelay(t, hub, ln.Addr().String())

	if err := listener.Shutdown(t.Context()); err != nil {
		t.Fatalf("Listener shutdown returned error: %v", err)
	}
	select {
	case err := <-served:
		if !errors.Is(err, ErrListenerClosed) {
			t.Errorf("Expected ErrListenerClosed, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after shutdown")
	}

	if err := hub.Shutdown(testTimeout); err != nil {
		t.Fatalf("Hub shutdown returned error: %v", err)
	}
	conn.ExpectClosed(t, testTimeout)

	if err := listener.Serve(ln); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Expected Serve after shutdown to fail, got %v", err)
	}
}

// lateAcceptListener returns its single connection only after Close, the
// way a real listener can hand out a connection accepted just before it
// was closed.
type lateAcceptListener struct {
	conn      net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	accepted  bool
}

func (l *lateAcceptListener) Accept() (net.Conn, error) {
	<-l.closed
	if l.accepted {
		return nil, net.ErrClosed
	}
	l.accepted = true
	return l.conn, nil
}

func (l *lateAcceptListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *lateAcceptListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// TestListenerClosesConnAcceptedDuringShutdown verifies a connection that
// arrives while the listener is shutting down is closed at once instead of
// starting a handshake.
func TestListenerClosesConnAcceptedDuringShutdown(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })

	ln := &lateAcceptListener{conn: serverSide, closed: make(chan struct{})}
	hub := NewHub(*NewConfig(), testLogger())
	listener := NewListener(hub, *NewConfig(), testLogger())

	served := make(chan error, 1)
	go func() { served <- listener.Serve(ln) }()
	testhelpers.WaitFor(t, testTimeout, "listener start", func() bool {
		return listener.Addr() != nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := listener.Shutdown(ctx); err != nil {
		t.Fatalf("Listener shutdown returned error: %v", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, ErrListenerClosed) {
			t.Errorf("Expected ErrListenerClosed, got %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Serve did not return after shutdown")
	}

	if err := clientSide.SetReadDeadline(time.Now().Add(testTimeout)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	if _, err := clientSide.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected connection to be closed, got %v", err)
	}
	if failures := hub.Stats().HandshakeFailures; failures != 0 {
		t.Errorf("Expected no handshake attempt, got %d failures", failures)
	}
}
