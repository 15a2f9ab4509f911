// Package events publishes deployment lifecycle transitions to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/splax/deploygate/internal/scheduler"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "deployments"

type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends each lifecycle event to "<prefix>.<event type>".
type Publisher struct {
	conn   publisher
	prefix string
	log    *slog.Logger
}

var _ scheduler.Observer = (*Publisher)(nil)

// NewPublisher wraps an established connection.
func NewPublisher(conn publisher, prefix string, logger *slog.Logger) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, log: logger.With("component", "events")}
}

// Connect dials NATS with reconnect handling logged through logger.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("deploygate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t scheduler.EventType) string {
	return p.prefix + "." + string(t)
}

// DeploymentChanged implements scheduler.Observer. Publish failures are
// logged; the lifecycle transition has already committed.
func (p *Publisher) DeploymentChanged(ev scheduler.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("encode lifecycle event", "error", err)
		return
	}
	subject := p.Subject(ev.Type)
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn("publish lifecycle event failed", "subject", subject, "key", ev.Deployment.Key, "error", err)
	}
}
