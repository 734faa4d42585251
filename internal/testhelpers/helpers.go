// Package testhelpers provides common utilities and helper functions for testing the relay.
//
// This package contains reusable test utilities shared across the server tests.
// It provides functions for dialing relay sessions over TCP and WebSocket,
// exchanging chat records, making HTTP requests, and asserting response
// properties to reduce code duplication in test files.
package testhelpers

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/tcprelay/internal/protocol"
)

// Greeting is the handshake frame every well-behaved client sends.
var Greeting = string(protocol.EncodeHandshake(protocol.Headers{
	protocol.DefaultHandshakeKey: protocol.DefaultHandshakeToken,
}))

// RelayConn is a raw TCP client connection with a line reader.
type RelayConn struct {
	net.Conn
	reader *bufio.Reader
}

// Dial opens a TCP connection without sending a handshake.
func Dial(t *testing.T, addr string) *RelayConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &RelayConn{Conn: conn, reader: bufio.NewReader(conn)}
}

// DialRelay opens a TCP connection and sends the default greeting.
func DialRelay(t *testing.T, addr string) *RelayConn {
	t.Helper()

	c := Dial(t, addr)
	if err := c.SendRaw(Greeting); err != nil {
		t.Fatalf("Failed to send handshake: %v", err)
	}
	return c
}

// SendRaw writes data unchanged.
func (c *RelayConn) SendRaw(data string) error {
	if err := c.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.Write([]byte(data))
	return err
}

// SendMessage encodes msg and writes it as one line.
func (c *RelayConn) SendMessage(msg protocol.Message) error {
	line, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(string(line) + "\n")
}

// SendChat stamps a new record from sender and writes it. It returns the
// record as sent so callers can compare what peers receive.
func (c *RelayConn) SendChat(sender, body string) (protocol.Message, error) {
	msg := protocol.NewMessage(sender, body)
	return msg, c.SendMessage(msg)
}

// ReadLine reads one '\n'-terminated line within timeout, without the terminator.
func (c *RelayConn) ReadLine(timeout time.Duration) (string, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// ReceiveMessage reads and decodes one record within timeout.
func (c *RelayConn) ReceiveMessage(timeout time.Duration) (protocol.Message, error) {
	line, err := c.ReadLine(timeout)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.DecodeMessage([]byte(line))
}

// ExpectNoMessage fails the test if a line arrives within d.
func (c *RelayConn) ExpectNoMessage(t *testing.T, d time.Duration) {
	t.Helper()

	line, err := c.ReadLine(d)
	if err == nil {
		t.Errorf("Expected no message, got %q", line)
		return
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the peer closes the connection within d.
func (c *RelayConn) ExpectClosed(t *testing.T, d time.Duration) {
	t.Helper()

	line, err := c.ReadLine(d)
	if err == nil {
		t.Errorf("Expected connection to be closed, got %q", line)
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Error("Expected connection to be closed, but it stayed open")
	}
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ReceiveWebSocketMessage reads one text frame within timeout and decodes it.
func ReceiveWebSocketMessage(conn *websocket.Conn, timeout time.Duration) (protocol.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Message{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.DecodeMessage(data)
}
