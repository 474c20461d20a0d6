// Package audit records case workflow events as audit log entries.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxTextLength caps the prompt and response text stored per entry, in characters.
const MaxTextLength = 500

// Writer subscribes to case topics on the EventBus and persists one audit
// entry per event.
type Writer struct {
	bus  domain.EventBus
	repo domain.Repository

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds writer configuration.
type Config struct {
	// TenantIDs to record. Empty subscribes across all tenants.
	TenantIDs []string
}

// NewWriter creates an audit writer.
func NewWriter(eventBus domain.EventBus, repo domain.Repository) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		bus:    eventBus,
		repo:   repo,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to every case topic for the configured tenants.
func (w *Writer) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, tenantID := range tenants {
		for _, topic := range domain.CaseTopics {
			sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, w.handleMessage)
			if err != nil {
				slog.Error("failed to subscribe audit writer",
					"tenant_id", tenantID,
					"topic", topic,
					"error", err,
				)
				continue
			}
			w.subscriptions = append(w.subscriptions, sub)
		}
	}

	slog.Info("audit writer started",
		"tenant_count", len(tenants),
		"subscription_count", len(w.subscriptions),
	)

	return nil
}

func (w *Writer) handleMessage(ctx context.Context, msg *domain.Message) error {
	event, err := bus.DecodeEvent(msg)
	if err != nil {
		return err
	}
	if traceID := msg.Metadata[bus.MetadataTraceID]; traceID != "" {
		slog.Debug("recording traced case event",
			"case_id", event.CaseID,
			"trace_id", traceID,
		)
	}
	return w.Record(ctx, event)
}

// Record persists a single event. It is also used directly when no bus is wired.
func (w *Writer) Record(ctx context.Context, event *domain.CaseEvent) error {
	entry := EntryFromEvent(event)
	if err := w.repo.SaveAuditEntry(ctx, event.TenantID, entry); err != nil {
		slog.Error("failed to save audit entry",
			"case_id", event.CaseID,
			"tenant_id", event.TenantID,
			"action", event.Action,
			"error", err,
		)
		return err
	}

	slog.Debug("audit entry recorded",
		"case_id", event.CaseID,
		"tenant_id", event.TenantID,
		"action", event.Action,
	)
	return nil
}

// EntryFromEvent maps an event onto an audit entry, truncating free text.
func EntryFromEvent(event *domain.CaseEvent) *domain.AuditEntry {
	return &domain.AuditEntry{
		CaseID:         event.CaseID,
		Action:         event.Action,
		RulesTriggered: strings.Join(event.TriggeredRules, "\n"),
		Prompt:         Truncate(event.Prompt, MaxTextLength),
		Response:       Truncate(event.Response, MaxTextLength),
	}
}

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Stop unsubscribes from all topics.
func (w *Writer) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("audit writer stopped")
	return nil
}

// SubscriptionCount returns the number of active subscriptions.
func (w *Writer) SubscriptionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscriptions)
}
