// Package messaging provides a NATS client wrapper for pub/sub messaging
// between support chat server instances, and the bus that carries real-time
// deliveries over it.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trackfast/support-chat/internal/metrics"
)

// SubjectDelivery carries real-time group deliveries between instances.
const SubjectDelivery = "supportchat.deliver"

// NATSClient wraps the NATS connection. It keeps one subscription per subject.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription

	pendingLimit int
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	PendingLimit  int           // per-subscription message buffer before slow-consumer drops
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "support-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		PendingLimit:  65536,
	}
}

// NewNATSClient connects to NATS. Deliveries dropped by a slow subscriber are
// logged and counted as delivery errors; clients recover them from history.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) && sub != nil {
				dropped, _ := sub.Dropped()
				metrics.DeliveryErrors.Inc()
				log.Printf("[nats] slow consumer on %s, %d deliveries dropped", sub.Subject, dropped)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %s", nc.ConnectedUrl(), config.Name)

	return &NATSClient{
		conn:         nc,
		subs:         make(map[string]*nats.Subscription),
		pendingLimit: config.PendingLimit,
	}, nil
}

// Publish sends data to subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject. A subject can only be subscribed
// once per client.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return fmt.Errorf("messaging: already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	if c.pendingLimit > 0 {
		if err := sub.SetPendingLimits(c.pendingLimit, -1); err != nil {
			log.Printf("[nats] pending limits on %s: %v", subject, err)
		}
	}
	c.subs[subject] = sub
	return nil
}

// Connected reports whether the client currently has a server connection.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains the subscriptions, so in-flight deliveries are still handed to
// the registry, and then closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
