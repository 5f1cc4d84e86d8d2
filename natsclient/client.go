// Package natsclient wraps the NATS connection and JetStream key-value
// access used by the durable ledger store.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Options controls connection behavior.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// Client is a thin connection wrapper exposing JetStream KV buckets.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect establishes the NATS connection with bounded reconnects and
// lifecycle logging.
func Connect(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "natsclient")

	if opts.URL == "" {
		return nil, fmt.Errorf("natsclient.Connect: URL is required")
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 10
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsclient.Connect: connecting to %s failed: %w", opts.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsclient.Connect: initializing jetstream failed: %w", err)
	}

	logger.Info("nats connected", "url", conn.ConnectedUrl())
	return &Client{conn: conn, js: js, logger: logger}, nil
}

// KeyValue returns the named bucket, creating it if missing.
func (c *Client) KeyValue(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "walletvault balance ledger",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("natsclient.KeyValue: provisioning bucket %s failed: %w", bucket, err)
	}
	return kv, nil
}

// Healthy reports whether the connection is currently usable.
func (c *Client) Healthy() error {
	if c.conn == nil || !c.conn.IsConnected() {
		return fmt.Errorf("natsclient.Healthy: not connected")
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("nats drain failed, closing hard", "error", err)
		c.conn.Close()
	}
}
