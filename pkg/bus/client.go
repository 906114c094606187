// Package bus publishes backtest progress to NATS for out-of-band
// consumers (dashboards, SSE bridges). The publisher only ever receives
// value snapshots; nothing on the bus can reach engine state.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Config holds the NATS connection settings.
type Config struct {
	URL      string
	ClientID string
}

// Client wraps a NATS connection with backtest-specific publishing.
type Client struct {
	conn   *nats.Conn
	logger *logrus.Entry
	config *Config
}

// NewClient connects to NATS with endless reconnects.
func NewClient(config *Config) (*Client, error) {
	logger := logrus.WithField("component", "bus-client")

	opts := []nats.Option{
		nats.Name(config.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Errorf("NATS error: %v", err)
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn:   conn,
		logger: logger,
		config: config,
	}, nil
}

// PublishDayUpdate publishes a day's portfolio state.
func (c *Client) PublishDayUpdate(msg *DayUpdateMessage) error {
	return c.publish(SubjectDayUpdate(msg.RunID), msg)
}

// PublishRunDone publishes the run-complete marker.
func (c *Client) PublishRunDone(msg *RunDoneMessage) error {
	return c.publish(SubjectRunDone(msg.RunID), msg)
}

func (c *Client) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits for buffered messages to reach the server.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close closes the connection; subscriptions are not drained first.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
