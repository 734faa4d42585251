// Package server manages individual relay sessions, handling the read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Tyrowin/tcprelay/internal/protocol"
)

// recordConn is the framed transport under a session. The TCP listener and
// the WebSocket gateway each provide one.
type recordConn interface {
	// ReadRecord returns the next line without its terminator.
	ReadRecord() ([]byte, error)
	// WriteRecord writes one line followed by its terminator.
	WriteRecord(line []byte) error
	Close() error
}

// Client is one authenticated connection. Its reader and writer run as
// independent goroutines that meet only at the hub.
type Client struct {
	conn        recordConn
	hub         *Hub
	logger      *slog.Logger
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newClient creates a Client for an already authenticated connection.
func newClient(conn recordConn, hub *Hub, cfg Config, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		conn:        conn,
		hub:         hub,
		logger:      logger,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// run drives both pumps and closes the connection once both have returned.
// The reader ending cancels the writer so its subscription is released; a
// writer failure leaves the reader running until its own I/O ends.
func (c *Client) run(sub *Subscription) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.writePump(sub)
	}()
	go func() {
		defer wg.Done()
		defer c.cancel()
		c.readPump()
	}()

	wg.Wait()
	c.Close()
}

// Close cancels the writer and closes the underlying connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection", "error", err)
		}
	})
}

func (c *Client) readPump() {
	for {
		line, err := c.conn.ReadRecord()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.processRecord(line)
	}
}

// handleReadError logs why the read side ended.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, errLineTooLong):
		c.logger.Warn("record exceeded maximum size", "error", err)
	case isTimeoutError(err):
		c.logger.Info("client idle timeout", "error", err)
	case isExpectedCloseError(err):
		c.logger.Info("client connection closed", "error", err)
	default:
		c.logger.Warn("read error", "error", err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the record should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.hub.droppedRate.Add(1)
		c.logger.Debug("rate limit exceeded; discarding record",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processRecord validates a raw line and enqueues it unchanged. It returns
// true if the line reached the queue.
func (c *Client) processRecord(line []byte) bool {
	if !c.checkRateLimit() {
		return false
	}

	if _, err := protocol.DecodeMessage(line); err != nil {
		c.hub.droppedInvalid.Add(1)
		c.logger.Debug("dropping invalid record", "error", err)
		return false
	}

	if err := c.hub.Enqueue(line); err != nil {
		c.logger.Warn("dropping record", "error", err)
		return false
	}
	return true
}

func (c *Client) writePump(sub *Subscription) {
	defer sub.Close()

	for {
		line, err := sub.Recv(c.ctx)
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				c.hub.lagged.Add(int64(lag.Missed))
				c.logger.Warn("subscriber lagged, skipping records", "missed", lag.Missed)
				continue
			}
			return
		}

		if err := c.conn.WriteRecord(line); err != nil {
			if isExpectedCloseError(err) {
				c.logger.Info("write stopped, connection closed", "error", err)
			} else {
				c.logger.Warn("write error", "error", err)
			}
			return
		}
	}
}
