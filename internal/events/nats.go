package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
)

// Connect establishes a connection to the NATS server with reconnect handling.
func Connect(cfg config.NatsConfig, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", cfg.URL))

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("dante-messaging"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Warn("NATS disconnected (no specific error)")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed permanently")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// NATSDispatcher publishes events as JSON envelopes on <prefix>.<tenant>.<event>.
type NATSDispatcher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSDispatcher creates a dispatcher publishing under prefix.
func NewNATSDispatcher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSDispatcher {
	return &NATSDispatcher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event for tenantID is published on.
func (d *NATSDispatcher) Subject(tenantID, event string) string {
	return d.prefix + "." + subjectToken(tenantID) + "." + event
}

// subjectToken keeps a tenant id from splitting or wildcarding the subject.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, tenantID, event string, payload interface{}) error {
	env := NewEnvelope(tenantID, event, payload)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event, err)
	}
	subject := d.Subject(tenantID, event)
	if err := d.nc.Publish(subject, data); err != nil {
		d.logger.Error("Failed to publish event", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to publish event %s: %w", event, err)
	}
	d.logger.Debug("Event published", zap.String("subject", subject), zap.String("event_id", env.ID))
	return nil
}

var _ Dispatcher = (*NATSDispatcher)(nil)
