package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go-txpipeline/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSClient publishes intent lifecycle events for downstream consumers
// (the front-end and audit tooling subscribe to these).
type NATSClient struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSClient connects to the configured NATS server.
func NewNATSClient(cfg config.NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("txpipeline"),
		nats.Timeout(time.Duration(cfg.Timeout) * time.Second),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Second),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("⚠️ [NATS] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ [NATS] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	log.Printf("✅ [NATS] connected to %s", conn.ConnectedUrl())
	return &NATSClient{
		conn:          conn,
		subjectPrefix: cfg.SubjectPrefix,
	}, nil
}

// PublishIntentEvent publishes a JSON payload on
// <prefix>.intent.<eventType>, e.g. txpipeline.intent.confirmed.
func (c *NATSClient) PublishIntentEvent(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal intent event: %w", err)
	}
	subject := fmt.Sprintf("%s.intent.%s", c.subjectPrefix, eventType)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports connection health for the monitoring endpoint.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
		c.conn.Close()
	}
}
