// Package messaging publishes a mirror of every stored event onto NATS
// JetStream so downstream consumers (alerting, long-term archival) can
// subscribe without polling the event store. It is optional: the
// ingestion path never blocks or fails on a publish error.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Client wraps the NATS connection and JetStream context.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewClient(config *Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name("sentinel-core"),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
	}
	if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init failed: %w", err)
	}

	return &Client{nc: nc, js: js}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

// InitializeStream creates the event mirror stream if it doesn't exist.
func (c *Client) InitializeStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamEvents,
		Description: "mirror of every stored honeypot event",
		Subjects:    []string{"sentinel.events.>", "sentinel.alerts.>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}

// PublishEvent publishes data (a JSON-encoded event) to subject without
// waiting on a JetStream ack, matching the ingestion path's
// never-block-on-the-bus requirement.
func (c *Client) PublishEvent(subject string, data []byte) error {
	_, err := c.js.PublishAsync(subject, data)
	return err
}
