// Package server accepts raw TCP connections, runs the header handshake on
// each, and hands authenticated connections to the hub.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/tcprelay/internal/protocol"
)

var errLineTooLong = errors.New("server: record exceeds maximum size")

// ErrListenerClosed is returned by Serve after Shutdown.
var ErrListenerClosed = errors.New("server: listener closed")

// Listener is the TCP front door of the relay.
type Listener struct {
	hub    *Hub
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// NewListener creates a Listener that registers authenticated sessions with hub.
func NewListener(hub *Hub, cfg Config, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		hub:    hub,
		cfg:    sanitizeConfig(cfg),
		logger: logger,
	}
}

// ListenAndServe binds cfg.TCPAddr and serves it until Shutdown.
func (l *Listener) ListenAndServe() error {
	ln, err := net.Listen("tcp", l.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.TCPAddr, err)
	}
	return l.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called. Each connection
// performs its handshake on its own goroutine so a slow peer never stalls
// the accept loop. Accept errors are logged and retried with a short backoff.
func (l *Listener) Serve(ln net.Listener) error {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		_ = ln.Close()
		return ErrListenerClosed
	}
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("tcp listener started", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isShutdown() || errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			l.logger.Warn("accept error", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		l.mu.Lock()
		if l.shutdown {
			l.mu.Unlock()
			_ = conn.Close()
			return ErrListenerClosed
		}
		l.wg.Add(1)
		l.mu.Unlock()

		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

// Addr returns the bound address, or nil before Serve.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Shutdown stops accepting and waits for in-flight handshakes to finish or
// for ctx to expire. Established sessions are closed by Hub.Shutdown.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.shutdown = true
	ln := l.ln
	l.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			l.logger.Warn("error closing tcp listener", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn runs the handshake and starts a session on success. Rejected
// connections are closed without a response.
func (l *Listener) handleConn(conn net.Conn) {
	id := uuid.NewString()
	logger := l.logger.With("conn_id", id, "remote", conn.RemoteAddr().String(), "transport", "tcp")

	reader := bufio.NewReader(conn)
	if err := l.handshake(conn, reader); err != nil {
		l.hub.recordHandshakeFailure()
		logger.Debug("handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	client := newClient(newTCPConn(conn, reader, l.cfg), l.hub, l.cfg, logger)
	if err := l.hub.startClient(client); err != nil {
		logger.Debug("session not started", "error", err)
		_ = conn.Close()
	}
}

func (l *Listener) handshake(conn net.Conn, reader *bufio.Reader) error {
	if l.cfg.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
			return err
		}
	}

	headers, err := protocol.ReadHeaders(reader, l.cfg.MaxHandshakeSize)
	if err != nil {
		return err
	}
	if err := headers.Validate(l.cfg.Handshake.Key, l.cfg.Handshake.Token); err != nil {
		return err
	}

	return conn.SetReadDeadline(time.Time{})
}

// tcpConn frames records as '\n'-terminated lines over a net.Conn. The
// scanner wraps the handshake reader so bytes buffered past the NUL
// terminator are not lost.
type tcpConn struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPConn(conn net.Conn, reader io.Reader, cfg Config) *tcpConn {
	// The scanner's limit covers the '\n' terminator as well as the record.
	limit := cfg.MaxMessageSize + 1
	scanner := bufio.NewScanner(reader)
	initial := 4096
	if limit < initial {
		initial = limit
	}
	scanner.Buffer(make([]byte, 0, initial), limit)

	return &tcpConn{
		conn:         conn,
		scanner:      scanner,
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (t *tcpConn) ReadRecord() ([]byte, error) {
	if t.idleTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout)); err != nil {
			return nil, err
		}
	}

	if t.scanner.Scan() {
		line := t.scanner.Bytes()
		return append([]byte(nil), line...), nil
	}

	err := t.scanner.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, fmt.Errorf("%w: %v", errLineTooLong, err)
	default:
		return nil, err
	}
}

func (t *tcpConn) WriteRecord(line []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	buffers := net.Buffers{line, []byte{'\n'}}
	_, err := buffers.WriteTo(t.conn)
	return err
}

func (t *tcpConn) Close() error {
	return t.conn.Close()
}
