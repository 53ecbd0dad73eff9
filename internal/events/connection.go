package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxReconnectDelay = 30 * time.Second

// ErrNoChannel is returned when the AMQP connection is down.
var ErrNoChannel = errors.New("no amqp channel available")

// Connection wraps an AMQP connection and reconnects with exponential
// backoff when the broker drops it. It is safe for concurrent use.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed   bool
	closedCh chan struct{}
}

// Dial connects to the broker at url and starts watching the connection.
func Dial(url string, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		url:      url,
		logger:   logger,
		closedCh: make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	go c.watch()

	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to amqp broker")
	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				c.logger.Warn("amqp connection closed", "error", err)
			}
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect retries until it succeeds or the connection is closed.
func (c *Connection) reconnect() bool {
	delay := time.Second
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			c.logger.Warn("amqp reconnect failed", "error", err, "delay", delay)
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		return true
	}
}

// WithChannel runs fn with the current channel.
func (c *Connection) WithChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNoChannel
	}
	return fn(ch)
}

// Close shuts down the channel and the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// DeclareTopology declares the durable task exchange and the queue that
// collects finished-task messages.
func DeclareTopology(ctx context.Context, c *Connection) error {
	return c.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(
			ExchangeTasks, // name
			"topic",       // type
			true,          // durable
			false,         // auto-deleted
			false,         // internal
			false,         // no-wait
			nil,           // arguments
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeTasks, err)
		}

		if _, err := ch.QueueDeclare(QueueTasksFinished, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueTasksFinished, err)
		}

		if err := ch.QueueBind(QueueTasksFinished, RoutingKeyTaskFinished, ExchangeTasks, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", QueueTasksFinished, err)
		}
		return ctx.Err()
	})
}
