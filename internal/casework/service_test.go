package casework

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const tenant = "tenant-001"

type fixture struct {
	svc  *Service
	repo domain.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "casework.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	writer := audit.NewWriter(eventBus, repo)
	if err := writer.Start(audit.Config{}); err != nil {
		t.Fatalf("failed to start audit writer: %v", err)
	}
	t.Cleanup(func() { writer.Stop() })

	riskCache := cache.NewRiskCache(cache.NewLRUCache(100), time.Minute)
	return &fixture{
		svc:  NewService(repo, eventBus, rules.NewRegistry(), riskCache),
		repo: repo,
	}
}

func (f *fixture) auditTrail(t *testing.T, caseID string, n int) []*domain.AuditEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := f.svc.AuditTrail(context.Background(), tenant, caseID)
		if err != nil {
			t.Fatalf("AuditTrail failed: %v", err)
		}
		if len(entries) >= n || time.Now().After(deadline) {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func completeInput() domain.CaseInput {
	return domain.CaseInput{
		KYC:               domain.KYC{FullName: "Jane Doe", CustomerID: "C-100"},
		Accounts:          []domain.Account{{Number: "ACC-1"}},
		Transactions:      []domain.CaseTransaction{{Type: "wire", Amount: 12000}},
		ActivityStart:     "01/01/2024",
		ActivityEnd:       "01/31/2024",
		TotalAmount:       12000,
		SubjectIdentified: true,
	}
}

const goodNarrative = "Who: the subject Jane Doe. What: repeated wire transfers. When: during January 2024. " +
	"Where: at the downtown branch. Why: the activity has no apparent business purpose. " +
	"How: funds were moved through a single account. The investigation reviewed account statements, " +
	"wire records and prior alerts for the subject and related parties. In conclusion the activity " +
	"appears inconsistent with the stated occupation of the customer and the expected account profile, " +
	"and it is reported for further review by the appropriate authorities as required by the program."

const importCSV = "customer_id,amount,transaction_date,type,country\n" +
	"C-1,9500,1/5/2024,cash,US\n" +
	"C-1,9600,1/7/2024,cash,US\n" +
	"C-1,9700,1/9/2024,cash,US\n" +
	"C-2,100,1/3/2024,card,US\n"

func TestCreateCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateCase(ctx, tenant, "analyst-1", completeInput())
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	if c.ID == "" {
		t.Fatal("expected case ID")
	}
	if c.Status != domain.CaseStatusDraft {
		t.Errorf("expected Draft, got %s", c.Status)
	}
	if c.Evaluation == nil || c.Evaluation.Score != rules.EvaluateCase(completeInput()).Score {
		t.Errorf("expected stored evaluation, got %+v", c.Evaluation)
	}
	if c.TriggeredRules != rules.TriggerFiling30Days {
		t.Errorf("unexpected triggered rules %q", c.TriggeredRules)
	}

	stored, err := f.svc.Get(ctx, tenant, c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(c.Evaluation, stored.Evaluation); diff != "" {
		t.Errorf("stored evaluation mismatch (-want +got):\n%s", diff)
	}

	entries := f.auditTrail(t, c.ID, 1)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Prompt != PromptCaseCreated || entries[0].Response != "Status: Draft" {
		t.Errorf("unexpected audit entry %+v", entries[0])
	}
}

func TestCreateCaseKeepsRuleErrors(t *testing.T) {
	f := newFixture(t)

	in := completeInput()
	in.KYC.FullName = ""
	in.Accounts = nil

	c, err := f.svc.CreateCase(context.Background(), tenant, "analyst-1", in)
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	want := []string{rules.ErrMsgFullNameMissing, rules.ErrMsgNoAccounts}
	if diff := cmp.Diff(want, c.Evaluation.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestNarrativeWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateCase(ctx, tenant, "analyst-1", completeInput())
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	t.Run("EditBeforeNarrativeRejected", func(t *testing.T) {
		_, err := f.svc.EditNarrative(ctx, tenant, c.ID, goodNarrative)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("EmptyNarrativeRejected", func(t *testing.T) {
		_, err := f.svc.AttachNarrative(ctx, tenant, c.ID, "   ")
		if !errors.Is(err, ErrEmptyNarrative) {
			t.Errorf("expected ErrEmptyNarrative, got %v", err)
		}
	})

	t.Run("Attach", func(t *testing.T) {
		got, err := f.svc.AttachNarrative(ctx, tenant, c.ID, goodNarrative)
		if err != nil {
			t.Fatalf("AttachNarrative failed: %v", err)
		}
		if got.Status != domain.CaseStatusReview {
			t.Errorf("expected Review, got %s", got.Status)
		}
		if got.GeneratedNarrative != goodNarrative {
			t.Error("expected generated narrative stored")
		}
		want := rules.EvaluateCase(completeInput().WithNarrative(goodNarrative))
		if diff := cmp.Diff(&want, got.Evaluation); diff != "" {
			t.Errorf("evaluation mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Edit", func(t *testing.T) {
		edited := strings.Replace(goodNarrative, "downtown", "uptown", 1)
		got, err := f.svc.EditNarrative(ctx, tenant, c.ID, edited)
		if err != nil {
			t.Fatalf("EditNarrative failed: %v", err)
		}
		if got.Status != domain.CaseStatusPendingReview {
			t.Errorf("expected Pending Review, got %s", got.Status)
		}
		if got.CurrentNarrative() != edited {
			t.Error("expected edited narrative to be current")
		}
	})

	t.Run("ApproveWrongRole", func(t *testing.T) {
		_, err := f.svc.Approve(ctx, tenant, c.ID, "Analyst")
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("Approve", func(t *testing.T) {
		got, err := f.svc.Approve(ctx, tenant, c.ID, "MLRO")
		if err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		if got.Status != domain.CaseStatusApproved {
			t.Errorf("expected Approved, got %s", got.Status)
		}
	})

	t.Run("ApproveTwiceRejected", func(t *testing.T) {
		_, err := f.svc.Approve(ctx, tenant, c.ID, "Reviewer")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		entries := f.auditTrail(t, c.ID, 4)
		counts := map[string]int{}
		for _, e := range entries {
			counts[e.Action]++
		}
		want := map[string]int{
			domain.TopicCaseCreated:   1,
			domain.TopicCaseEvaluated: 2,
			domain.TopicCaseApproved:  1,
		}
		if diff := cmp.Diff(want, counts); diff != "" {
			t.Errorf("audit actions mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestApproveRequiresSubmittable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _ := f.svc.CreateCase(ctx, tenant, "analyst-1", completeInput())
	if _, err := f.svc.AttachNarrative(ctx, tenant, c.ID, "The subject is obviously guilty."); err != nil {
		t.Fatalf("AttachNarrative failed: %v", err)
	}

	_, err := f.svc.Approve(ctx, tenant, c.ID, "Compliance Head")
	if !errors.Is(err, ErrNotSubmittable) {
		t.Errorf("expected ErrNotSubmittable, got %v", err)
	}
}

func TestImportCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ImportCSV(ctx, tenant, "analyst-1", "upload.csv", strings.NewReader(importCSV))
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}

	if res.Rows != 4 || res.Cached {
		t.Errorf("expected 4 fresh rows, got %d cached=%v", res.Rows, res.Cached)
	}
	c := res.Case
	if c.CustomerName != "C-1" || c.Source != domain.CaseSourceCSV || c.Filename != "upload.csv" {
		t.Errorf("unexpected case %+v", c)
	}
	if c.RiskScore == nil || *c.RiskScore != res.Risk.Score || c.RiskLevel != res.Risk.Level {
		t.Errorf("expected risk fields from result %+v", res.Risk)
	}
	if c.Input.ActivityStart != "01/03/2024" || c.Input.ActivityEnd != "01/09/2024" {
		t.Errorf("unexpected activity period %s - %s", c.Input.ActivityStart, c.Input.ActivityEnd)
	}

	rows, err := f.svc.Transactions(ctx, tenant, c.ID)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(rows) != 4 || rows[0].Amount != "9500" {
		t.Errorf("unexpected stored rows %+v", rows)
	}

	entries := f.auditTrail(t, c.ID, 1)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Prompt != PromptImport {
		t.Errorf("unexpected prompt %q", entries[0].Prompt)
	}
	if want := "Uploaded 4 transactions. Risk Score: 25"; entries[0].Response != want {
		t.Errorf("expected response %q, got %q", want, entries[0].Response)
	}

	t.Run("SecondUploadHitsCache", func(t *testing.T) {
		again, err := f.svc.ImportCSV(ctx, tenant, "analyst-1", "upload.csv", strings.NewReader(importCSV))
		if err != nil {
			t.Fatalf("ImportCSV failed: %v", err)
		}
		if !again.Cached {
			t.Error("expected cached result")
		}
		if diff := cmp.Diff(res.Risk, again.Risk); diff != "" {
			t.Errorf("cached result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("InvalidCSV", func(t *testing.T) {
		_, err := f.svc.ImportCSV(ctx, tenant, "analyst-1", "bad.csv", strings.NewReader("customer_id,amount\nC-1,5\n"))
		if err == nil {
			t.Error("expected error for missing column")
		}
	})
}

func TestImportedCaseApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ImportCSV(ctx, tenant, "analyst-1", "upload.csv", strings.NewReader(importCSV))
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	want := []domain.Account{{Number: "C-1", Type: AccountTypeCustomer}}
	if diff := cmp.Diff(want, res.Case.Input.Accounts); diff != "" {
		t.Errorf("derived accounts mismatch (-want +got):\n%s", diff)
	}

	c, err := f.svc.AttachNarrative(ctx, tenant, res.Case.ID, goodNarrative)
	if err != nil {
		t.Fatalf("AttachNarrative failed: %v", err)
	}
	if len(c.Evaluation.Errors) != 0 {
		t.Fatalf("expected no blocking errors, got %v", c.Evaluation.Errors)
	}

	approved, err := f.svc.Approve(ctx, tenant, c.ID, "MLRO")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.Status != domain.CaseStatusApproved {
		t.Errorf("expected Approved, got %s", approved.Status)
	}

	t.Run("NoCustomerIDs", func(t *testing.T) {
		csv := "customer_id,amount,transaction_date\n,100,1/3/2024\n"
		res, err := f.svc.ImportCSV(ctx, tenant, "analyst-1", "anon.csv", strings.NewReader(csv))
		if err != nil {
			t.Fatalf("ImportCSV failed: %v", err)
		}
		if len(res.Case.Input.Accounts) != 0 {
			t.Errorf("expected no derived account, got %v", res.Case.Input.Accounts)
		}
	})
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, tenant, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.AuditTrail(ctx, tenant, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AuditTrail: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.AttachNarrative(ctx, tenant, "missing", goodNarrative); !errors.Is(err, ErrNotFound) {
		t.Errorf("AttachNarrative: expected ErrNotFound, got %v", err)
	}
}

func TestScreeningRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := &domain.ScreeningRule{
		ID:         "large-wire",
		Name:       "Large wire",
		Expression: "max_amount > 10000.0",
		Reason:     "Single transaction above 10k",
		Enabled:    true,
	}
	if err := f.svc.SaveScreeningRule(ctx, tenant, rule); err != nil {
		t.Fatalf("SaveScreeningRule failed: %v", err)
	}

	res, err := f.svc.Evaluate(ctx, tenant, completeInput())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	want := []domain.ScreeningHit{{RuleID: "large-wire", Name: "Large wire", Reason: "Single transaction above 10k"}}
	if diff := cmp.Diff(want, res.Screening); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}

	t.Run("OtherTenantUnaffected", func(t *testing.T) {
		res, err := f.svc.Evaluate(ctx, "tenant-002", completeInput())
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if len(res.Screening) != 0 {
			t.Errorf("expected no hits for other tenant, got %v", res.Screening)
		}
	})

	t.Run("RulesUnavailable", func(t *testing.T) {
		broken := newFixture(t)
		broken.repo.Close()

		res, err := broken.svc.Evaluate(ctx, tenant, completeInput())
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if len(res.Screening) != 0 {
			t.Errorf("expected no hits, got %v", res.Screening)
		}
		if diff := cmp.Diff(rules.EvaluateCase(completeInput()), res.Evaluation); diff != "" {
			t.Errorf("evaluation mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		err := f.svc.SaveScreeningRule(ctx, tenant, &domain.ScreeningRule{Name: "bad", Expression: "total_amount + 1.0", Enabled: true})
		if !errors.Is(err, ErrInvalidRule) {
			t.Errorf("expected ErrInvalidRule, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := f.svc.DeleteScreeningRule(ctx, tenant, "large-wire"); err != nil {
			t.Fatalf("DeleteScreeningRule failed: %v", err)
		}
		res, _ := f.svc.Evaluate(ctx, tenant, completeInput())
		if len(res.Screening) != 0 {
			t.Errorf("expected no hits after delete, got %v", res.Screening)
		}
		if err := f.svc.DeleteScreeningRule(ctx, tenant, "large-wire"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCanApprove(t *testing.T) {
	for _, role := range ApproverRoles {
		if !CanApprove(role) {
			t.Errorf("expected %q to approve", role)
		}
	}
	for _, role := range []string{"", "Analyst", "mlro"} {
		if CanApprove(role) {
			t.Errorf("expected %q to be rejected", role)
		}
	}
}
