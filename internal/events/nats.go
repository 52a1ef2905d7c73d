package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// NATSPublisher publishes events to subjects of the form
//
//	{prefix}.runs.{run_id}.events.{type}
//	{prefix}.rules.events.{type}
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "retour"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Name implements Publisher.
func (p *NATSPublisher) Name() string { return "nats" }

// Subject returns the subject an event is published to.
func (p *NATSPublisher) Subject(e types.Event) string {
	typ := strings.ToLower(string(e.Type))
	if e.RunID == nil {
		return fmt.Sprintf("%s.rules.events.%s", p.prefix, typ)
	}
	return fmt.Sprintf("%s.runs.%s.events.%s", p.prefix, e.RunID, typ)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.Type, err)
	}
	return nil
}
