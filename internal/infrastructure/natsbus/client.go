package natsbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/cc-bridge/internal/infrastructure/config"
)

const (
	connectionName = "cc-bridge"
	connectTimeout = 5 * time.Second
)

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client publishes updates over a single NATS connection.
// Safe for concurrent use; nats.Conn handles its own locking.
type Client struct {
	conn    *nats.Conn
	subject string
	logger  Logger
}

// Connect dials the configured server. Token auth wins over username and
// password when both are set.
func Connect(cfg config.NATSConfig, logger Logger) (*Client, error) {
	subject := strings.TrimSuffix(cfg.Subject, ".")
	if subject == "" {
		return nil, ErrInvalidSubject
	}

	c := &Client{subject: subject, logger: logger}

	opts := []nats.Option{
		nats.Name(connectionName),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.info("NATS connection closed")
		}),
	}

	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.conn = conn

	c.info("NATS connected", "url", conn.ConnectedUrl(), "subject", subject)
	return c, nil
}

// Subject returns the subject an update for key is published on.
func (c *Client) Subject(key string) string {
	return c.subject + "." + subjectToken(key)
}

// PublishUpdate publishes payload on the key's subject and flushes so
// that a server-side rejection surfaces here instead of asynchronously.
func (c *Client) PublishUpdate(ctx context.Context, key string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.Publish(c.Subject(key), payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", ErrPublishFailed, err)
	}
	return nil
}

// HealthCheck round-trips a PING to the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Stats returns message and byte counters for the connection.
func (c *Client) Stats() nats.Statistics {
	if c == nil || c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

func (c *Client) info(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}

func (c *Client) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

var subjectReplacer = strings.NewReplacer(
	".", "_",
	"*", "_",
	">", "_",
	" ", "_",
	"\t", "_",
	"\r", "_",
	"\n", "_",
)

// subjectToken turns a storage key into a single subject token.
func subjectToken(key string) string {
	if key == "" {
		return "_"
	}
	return subjectReplacer.Replace(key)
}
