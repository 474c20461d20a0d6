package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "audit.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func waitForEntries(t *testing.T, repo domain.Repository, tenantID, caseID string, n int) []*domain.AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := repo.ListAuditEntries(context.Background(), tenantID, caseID)
		if err != nil {
			t.Fatalf("ListAuditEntries failed: %v", err)
		}
		if len(entries) >= n || time.Now().After(deadline) {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWriter(t *testing.T) {
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWriter(eventBus, newRepo(t))
		if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if got, want := w.SubscriptionCount(), 2*len(domain.CaseTopics); got != want {
			t.Errorf("expected %d subscriptions, got %d", want, got)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.SubscriptionCount() != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", w.SubscriptionCount())
		}
	})

	t.Run("RecordsEventsAcrossTenants", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		repo := newRepo(t)

		w := NewWriter(eventBus, repo)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		event := &domain.CaseEvent{
			CaseID:         "case-1",
			TenantID:       "tenant-xyz",
			TriggeredRules: []string{"High Value Transactions Detected (Count: 3)", "Potential Structuring Detected ($9000-$10000 range)"},
			Prompt:         "CSV Upload & Risk Scoring",
			Response:       "Uploaded 3 transactions. Risk Score: 25",
		}
		if err := bus.PublishEvent(ctx, eventBus, domain.TopicImportScored, event); err != nil {
			t.Fatalf("PublishEvent failed: %v", err)
		}

		entries := waitForEntries(t, repo, "tenant-xyz", "case-1", 1)
		if len(entries) != 1 {
			t.Fatalf("expected 1 audit entry, got %d", len(entries))
		}
		got := entries[0]
		if got.Action != domain.TopicImportScored {
			t.Errorf("expected action %s, got %s", domain.TopicImportScored, got.Action)
		}
		if got.RulesTriggered != strings.Join(event.TriggeredRules, "\n") {
			t.Errorf("unexpected rules: %q", got.RulesTriggered)
		}
		if got.Response != event.Response {
			t.Errorf("expected response %q, got %q", event.Response, got.Response)
		}
	})

	t.Run("TenantFilter", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()
		repo := newRepo(t)

		w := NewWriter(eventBus, repo)
		w.Start(Config{TenantIDs: []string{"tenant-001"}})
		defer w.Stop()

		bus.PublishEvent(ctx, eventBus, domain.TopicCaseCreated, &domain.CaseEvent{CaseID: "c2", TenantID: "tenant-002"})
		bus.PublishEvent(ctx, eventBus, domain.TopicCaseCreated, &domain.CaseEvent{CaseID: "c1", TenantID: "tenant-001"})

		if entries := waitForEntries(t, repo, "tenant-001", "c1", 1); len(entries) != 1 {
			t.Errorf("expected tenant-001 entry, got %d", len(entries))
		}
		entries, _ := repo.ListAuditEntries(ctx, "tenant-002", "c2")
		if len(entries) != 0 {
			t.Errorf("expected no entries for unsubscribed tenant, got %d", len(entries))
		}
	})
}

func TestEntryFromEventTruncates(t *testing.T) {
	long := strings.Repeat("ä", MaxTextLength+20)
	entry := EntryFromEvent(&domain.CaseEvent{
		CaseID:   "c1",
		Action:   domain.TopicCaseEvaluated,
		Prompt:   long,
		Response: "short",
	})

	if n := len([]rune(entry.Prompt)); n != MaxTextLength {
		t.Errorf("expected prompt truncated to %d characters, got %d", MaxTextLength, n)
	}
	if entry.Response != "short" {
		t.Errorf("expected short response untouched, got %q", entry.Response)
	}
	if entry.RulesTriggered != "" {
		t.Errorf("expected empty rules, got %q", entry.RulesTriggered)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
