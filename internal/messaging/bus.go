package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// PubSub is the subset of NATSClient the bus needs.
type PubSub interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Delivery is the wire form of one group delivery.
type Delivery struct {
	Origin  string          `json:"origin"` // publishing server
	Groups  []string        `json:"groups"`
	Payload json.RawMessage `json:"payload"`
}

// Bus publishes group deliveries on a NATS subject that every server instance
// subscribes to, so a frame reaches group members wherever they are connected.
type Bus struct {
	client  PubSub
	subject string
	origin  string
}

// NewBus creates a Bus on subject. origin names this instance in deliveries.
func NewBus(client PubSub, subject, origin string) *Bus {
	if subject == "" {
		subject = SubjectDelivery
	}
	return &Bus{client: client, subject: subject, origin: origin}
}

// Publish sends data to the members of groups on every instance.
func (b *Bus) Publish(ctx context.Context, groups []string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	raw, err := json.Marshal(Delivery{Origin: b.origin, Groups: groups, Payload: data})
	if err != nil {
		return fmt.Errorf("messaging: marshal delivery: %w", err)
	}
	if err := b.client.Publish(b.subject, raw); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", b.subject, err)
	}
	return nil
}

// Forward subscribes to the delivery subject and hands every delivery to
// deliver, typically realtime.Registry.Deliver.
func (b *Bus) Forward(deliver func(groups []string, data []byte) int) error {
	return b.client.Subscribe(b.subject, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[bus] dropping malformed delivery: %v", err)
			return
		}
		deliver(d.Groups, d.Payload)
	})
}
