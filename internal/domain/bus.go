package domain

import (
	"context"
)

// EventBus carries case workflow events from the casework service to the
// audit writer. Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic. Publishing to AllTenants is rejected.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. tenantID may be AllTenants.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances subscribers across replicas so that each
	// event is audited once. Empty means every replica receives every event.
	NATSQueueGroup string `yaml:"natsQueueGroup"`
}

// AllTenants subscribes to a topic across every tenant. It cannot be published to.
const AllTenants = "*"

// Topic names for the case workflow.
const (
	TopicCaseCreated   = "kestrel.case.created"
	TopicCaseEvaluated = "kestrel.case.evaluated"
	TopicImportScored  = "kestrel.import.scored"
	TopicCaseApproved  = "kestrel.case.approved"
)

// CaseTopics lists every topic the audit writer records.
var CaseTopics = []string{
	TopicCaseCreated,
	TopicCaseEvaluated,
	TopicImportScored,
	TopicCaseApproved,
}

// CaseEvent is the payload published on case topics.
type CaseEvent struct {
	CaseID         string   `json:"caseId"`
	TenantID       string   `json:"tenantId"`
	AnalystID      string   `json:"analystId,omitempty"`
	Action         string   `json:"action"`
	TriggeredRules []string `json:"triggeredRules"`

	// Prompt and Response carry the free text recorded in the audit trail:
	// the narrative submitted for evaluation, or a risk summary for imports.
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
}
