package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the wildcard subject edge infrastructure publishes events on.
const DefaultSubject = "metrics.events.>"

// NATSSubscriber feeds events published by stream edge infrastructure on NATS into the
// ingest service. Delivery is at-least-once from the ingest point's view; event ids dedupe.
type NATSSubscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	svc     *Service
	subject string
	queue   string
	logger  *zap.Logger
}

// NewNATSSubscriber connects to url. queue is the queue group shared by instances
// (empty for a plain subscription).
func NewNATSSubscriber(url, subject, queue string, svc *Service, logger *zap.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("live-metrics-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSubscriber{conn: conn, svc: svc, subject: subject, queue: queue, logger: logger}, nil
}

// Start subscribes to the configured subject.
func (n *NATSSubscriber) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if n.queue != "" {
		sub, err = n.conn.QueueSubscribe(n.subject, n.queue, n.HandleMsg)
	} else {
		sub, err = n.conn.Subscribe(n.subject, n.HandleMsg)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", n.subject, err)
	}
	n.sub = sub
	n.logger.Info("nats ingest subscribed", zap.String("subject", n.subject), zap.String("queue", n.queue))
	return nil
}

// HandleMsg applies one NATS message. Malformed messages are already logged by IngestRaw.
func (n *NATSSubscriber) HandleMsg(msg *nats.Msg) {
	if err := n.svc.IngestRaw(context.Background(), msg.Data); err != nil && !errors.Is(err, ErrMalformedEvent) {
		n.logger.Warn("nats ingest failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Close drains the subscription and closes the connection.
func (n *NATSSubscriber) Close() {
	if n.sub != nil {
		_ = n.sub.Drain()
	}
	n.conn.Close()
}
