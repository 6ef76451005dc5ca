// Package pubsub announces completed audits on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/JakeFAU/govtrack-audit/internal/audit"
)

// Attribute keys set on every completion message.
const (
	AttrAuditName = "audit_name"
	AttrRunID     = "run_id"
)

// Publisher publishes manifests to one topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ audit.Reporter = (*Publisher)(nil)

// Dial creates a client for projectID and binds it to topicID.
func Dial(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicID)}, nil
}

// New wraps an existing topic. Close leaves the topic's client open.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// ReportManifest publishes the manifest as JSON and waits for the server ack.
func (p *Publisher) ReportManifest(ctx context.Context, runID string, m audit.Manifest) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrAuditName: m.AuditName,
			AttrRunID:     runID,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// Close flushes pending messages and releases the client when Dial created it.
func (p *Publisher) Close() error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
