package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrTenantRequired  = errors.New("tenantID is required")
	ErrClosed          = errors.New("bus is closed")
	ErrWildcardPublish = errors.New("cannot publish to all tenants")
)

// MetadataTraceID carries the publisher's trace ID so that audit writes can
// be correlated with the request that caused them.
const MetadataTraceID = "trace_id"

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newEnvelope validates the target tenant and wraps a payload for delivery.
func newEnvelope(ctx context.Context, tenantID, topic string, payload []byte) (*domain.Message, error) {
	switch tenantID {
	case "":
		return nil, ErrTenantRequired
	case domain.AllTenants:
		return nil, ErrWildcardPublish
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[MetadataTraceID] = sc.TraceID().String()
	}
	return msg, nil
}

// PublishEvent encodes a case event and publishes it under the event's tenant.
func PublishEvent(ctx context.Context, b domain.EventBus, topic string, event *domain.CaseEvent) error {
	if event.Action == "" {
		event.Action = topic
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal case event: %w", err)
	}
	return b.Publish(ctx, event.TenantID, topic, payload)
}

// DecodeEvent reads a case event from a bus message. The message tenant wins
// over a missing event tenant.
func DecodeEvent(msg *domain.Message) (*domain.CaseEvent, error) {
	var event domain.CaseEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse case event %s: %w", msg.ID, err)
	}
	if event.TenantID == "" {
		event.TenantID = msg.TenantID
	}
	if event.Action == "" {
		event.Action = msg.Topic
	}
	return &event, nil
}
