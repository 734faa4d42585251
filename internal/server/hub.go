// Package server coordinates session registration, the relay loop, and
// connection cleanup for the chat relay via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrHubClosed is returned when a session is started after Shutdown.
var ErrHubClosed = errors.New("server: hub closed")

// Hub owns the inbound queue and the broadcaster shared by every session.
// Readers push validated lines with Enqueue, the relay loop in Run moves them
// to the broadcaster, and each writer consumes its own subscription.
type Hub struct {
	queue     *Queue
	broadcast *Broadcaster
	logger    *slog.Logger

	clients map[*Client]struct{}
	mutex   sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	running atomic.Bool
	done    chan struct{}

	received          atomic.Int64
	published         atomic.Int64
	droppedInvalid    atomic.Int64
	droppedFull       atomic.Int64
	droppedRate       atomic.Int64
	lagged            atomic.Int64
	handshakeFailures atomic.Int64
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Received          int64 `json:"received"`
	Published         int64 `json:"published"`
	DroppedInvalid    int64 `json:"dropped_invalid"`
	DroppedFull       int64 `json:"dropped_full"`
	DroppedRate       int64 `json:"dropped_rate"`
	Lagged            int64 `json:"lagged"`
	HandshakeFailures int64 `json:"handshake_failures"`
	Queued            int   `json:"queued"`
	Subscribers       int   `json:"subscribers"`
	Connections       int   `json:"connections"`
}

// NewHub creates a hub sized by cfg. The returned Hub is idle until Run is called.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)

	return &Hub{
		queue:     NewQueue(cfg.QueueCapacity),
		broadcast: NewBroadcaster(cfg.BroadcastCapacity),
		logger:    logger,
		clients:   make(map[*Client]struct{}),
		done:      make(chan struct{}),
	}
}

// Run is the relay loop. It blocks on the queue, publishes each record in
// pop order, and returns once Shutdown has closed and drained the queue.
// It must be called exactly once.
func (h *Hub) Run() {
	if !h.running.CompareAndSwap(false, true) {
		h.logger.Warn("relay loop already running")
		return
	}
	defer close(h.done)

	h.logger.Info("relay loop started")
	for {
		line, ok := h.queue.Pop()
		if !ok {
			h.logger.Info("relay loop stopped")
			return
		}

		subscribers := h.broadcast.Publish(line)
		h.published.Add(1)
		h.logger.Debug("record published", "subscribers", subscribers, "bytes", len(line))
	}
}

// Enqueue pushes a validated raw line onto the inbound queue.
func (h *Hub) Enqueue(line []byte) error {
	if err := h.queue.Push(line); err != nil {
		if errors.Is(err, ErrQueueFull) {
			h.droppedFull.Add(1)
		}
		return err
	}
	h.received.Add(1)
	return nil
}

// Subscribe returns a broadcast subscription starting at the next published record.
func (h *Hub) Subscribe() *Subscription {
	return h.broadcast.Subscribe()
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mutex.RLock()
	connections := len(h.clients)
	h.mutex.RUnlock()

	return Stats{
		Received:          h.received.Load(),
		Published:         h.published.Load(),
		DroppedInvalid:    h.droppedInvalid.Load(),
		DroppedFull:       h.droppedFull.Load(),
		DroppedRate:       h.droppedRate.Load(),
		Lagged:            h.lagged.Load(),
		HandshakeFailures: h.handshakeFailures.Load(),
		Queued:            h.queue.Len(),
		Subscribers:       h.broadcast.Subscribers(),
		Connections:       connections,
	}
}

// startClient registers an authenticated client and runs its session in the
// background. The subscription is taken before returning, so the client
// observes every record published from this point on.
func (h *Hub) startClient(client *Client) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return ErrHubClosed
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(1)
	h.mutex.Unlock()

	sub := h.Subscribe()
	client.logger.Info("client registered", "clients", clientCount)

	go func() {
		defer h.wg.Done()
		client.run(sub)
		h.unregister(client)
	}()
	return nil
}

func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	client.logger.Info("client unregistered", "clients", clientCount)
}

func (h *Hub) recordHandshakeFailure() {
	h.handshakeFailures.Add(1)
}

// shutdownClients closes every live session's connection.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.Close()
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops accepting sessions, closes live connections, drains the
// relay loop, and waits for all session goroutines, or until the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil
	}
	h.closed = true
	h.mutex.Unlock()

	h.logger.Info("initiating hub shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h.shutdownClients()
	h.queue.Close()

	if h.running.Load() {
		select {
		case <-h.done:
		case <-ctx.Done():
			h.broadcast.Close()
			h.logger.Warn("hub shutdown timed out waiting for relay loop")
			return ctx.Err()
		}
	}
	h.broadcast.Close()

	sessionsDone := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(sessionsDone)
	}()

	select {
	case <-sessionsDone:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out, some sessions may still be running")
		return ctx.Err()
	}
}
