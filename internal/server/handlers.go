// Package server exposes HTTP handlers, including the WebSocket gateway into
// the relay, health checks, and the stats endpoint.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/tcprelay/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Gateway serves the HTTP surface of the relay. WebSocket clients join the
// same room as TCP clients: the first text frame carries the handshake
// frame, and every later frame carries one or more record lines.
type Gateway struct {
	hub      *Hub
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway bound to hub.
func NewGateway(hub *Hub, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Gateway{
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the connection, runs the handshake
// on the first frame, and registers the session with the hub.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	logger := g.logger.With("conn_id", id, "remote", r.RemoteAddr, "transport", "ws")
	conn.SetReadLimit(int64(g.cfg.MaxMessageSize))

	if err := g.handshake(conn); err != nil {
		g.hub.recordHandshakeFailure()
		logger.Debug("handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	client := newClient(newWSConn(conn, g.cfg, logger), g.hub, g.cfg, logger)
	if err := g.hub.startClient(client); err != nil {
		logger.Debug("session not started", "error", err)
		client.Close()
	}
}

func (g *Gateway) handshake(conn *websocket.Conn) error {
	if g.cfg.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout)); err != nil {
			return err
		}
	}

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	headers, err := protocol.ReadHeaders(bytes.NewReader(frame), g.cfg.MaxHandshakeSize)
	if err != nil {
		return err
	}
	return headers.Validate(g.cfg.Handshake.Key, g.cfg.Handshake.Token)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}

// StatsHandler writes the hub counters as JSON.
func (g *Gateway) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.hub.Stats()); err != nil {
		g.logger.Warn("error writing stats response", "error", err)
	}
}

// wsConn adapts a gorilla connection to recordConn. Each outbound record is
// one text frame; inbound frames may hold several '\n'-separated records.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger
	pending      [][]byte
	done         chan struct{}
	closeOnce    sync.Once
}

func newWSConn(conn *websocket.Conn, cfg Config, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	c.setupReadConnection()
	go c.keepAlive()
	return c
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *wsConn) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// keepAlive pings the peer until the connection is closed. WriteControl may
// run concurrently with the writer's WriteMessage.
func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				if !isExpectedCloseError(err) {
					c.logger.Warn("error writing ping", "error", err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadRecord() ([]byte, error) {
	for len(c.pending) == 0 {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return nil, err
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			line = bytes.TrimRight(line, "\r")
			if len(line) > 0 {
				c.pending = append(c.pending, line)
			}
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsConn) WriteRecord(line []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, line)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
