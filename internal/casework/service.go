// Package casework drives a SAR case through its lifecycle: creation or CSV
// import, narrative review, and approval. Every state change is persisted and
// announced on the event bus for the audit writer.
package casework

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-casework")

var (
	// ErrNotFound is returned for unknown cases and screening rules.
	ErrNotFound = repository.ErrNotFound

	// ErrNotSubmittable is returned when approving a case whose latest
	// evaluation still carries blocking errors.
	ErrNotSubmittable = errors.New("case has blocking rule errors")

	// ErrInvalidTransition is returned when an operation is not allowed in
	// the case's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrForbidden is returned when the caller's role may not approve.
	ErrForbidden = errors.New("not authorized")

	// ErrEmptyNarrative is returned when a blank narrative is attached.
	ErrEmptyNarrative = errors.New("narrative is empty")
)

// ApproverRoles may approve a case for filing.
var ApproverRoles = []string{"Reviewer", "MLRO", "Compliance Head"}

// Audit text recorded for workflow events.
const (
	PromptCaseCreated = "Case Auto-Created"
	PromptImport      = "CSV Upload & Risk Scoring"
	PromptApproved    = "User Approved SAR"
)

// AccountTypeCustomer marks an account derived from an imported customer ID.
const AccountTypeCustomer = "customer"

// Service implements the case workflow.
type Service struct {
	repo      domain.Repository
	bus       domain.EventBus
	screening *rules.Registry
	riskCache *cache.RiskCache
}

// NewService wires the workflow. bus and riskCache may be nil.
func NewService(repo domain.Repository, eventBus domain.EventBus, screening *rules.Registry, riskCache *cache.RiskCache) *Service {
	if screening == nil {
		screening = rules.NewRegistry()
	}
	return &Service{
		repo:      repo,
		bus:       eventBus,
		screening: screening,
		riskCache: riskCache,
	}
}

// Evaluation bundles a rule evaluation with the advisory screening hits.
type Evaluation struct {
	Evaluation domain.RuleEvaluation `json:"evaluation"`
	Screening  []domain.ScreeningHit `json:"screening"`
}

// Evaluate runs the case rule evaluator and the tenant's screening rules
// without persisting anything.
func (s *Service) Evaluate(ctx context.Context, tenantID string, in domain.CaseInput) (*Evaluation, error) {
	ctx, span := tracer.Start(ctx, "casework.Evaluate",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	eval := rules.EvaluateCase(in)
	hits := s.screen(ctx, tenantID, in)

	span.SetAttributes(
		attribute.Int("evaluation.score", eval.Score),
		attribute.Int("evaluation.errors", len(eval.Errors)),
		attribute.Int("screening.hits", len(hits)),
	)
	return &Evaluation{Evaluation: eval, Screening: hits}, nil
}

// Score runs the bulk risk scorer over a table without persisting anything.
func (s *Service) Score(ctx context.Context, table *domain.TransactionTable) (*domain.RiskResult, error) {
	_, span := tracer.Start(ctx, "casework.Score")
	defer span.End()

	result, err := risk.Score(table)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.Int("risk.score", result.Score))
	return result, nil
}

// ScoreCSV parses and scores an upload, consulting the risk cache by digest.
// cached reports whether the result came from the cache.
func (s *Service) ScoreCSV(ctx context.Context, tenantID string, data []byte) (table *domain.TransactionTable, result *domain.RiskResult, cached bool, err error) {
	ctx, span := tracer.Start(ctx, "casework.ScoreCSV",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("upload.bytes", len(data)),
		),
	)
	defer span.End()

	table, err = ingest.ParseCSV(bytes.NewReader(data))
	if err != nil {
		return nil, nil, false, spanError(span, err)
	}

	digest := cache.Digest(data)
	if s.riskCache != nil {
		hit, err := s.riskCache.Get(ctx, tenantID, digest)
		if err != nil {
			slog.Warn("risk cache lookup failed", "tenant_id", tenantID, "error", err)
		}
		if hit != nil {
			span.SetAttributes(attribute.Bool("risk.cached", true))
			return table, hit, true, nil
		}
	}

	result, err = risk.Score(table)
	if err != nil {
		return nil, nil, false, spanError(span, err)
	}

	if s.riskCache != nil {
		if err := s.riskCache.Set(ctx, tenantID, digest, result); err != nil {
			slog.Warn("risk cache store failed", "tenant_id", tenantID, "error", err)
		}
	}
	return table, result, false, nil
}

// CreateCase evaluates and stores a manually entered case as a Draft.
// Rule errors do not block storage; they are kept with the case.
func (s *Service) CreateCase(ctx context.Context, tenantID, analystID string, in domain.CaseInput) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "casework.CreateCase",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	result, err := s.Evaluate(ctx, tenantID, in)
	if err != nil {
		return nil, spanError(span, err)
	}

	c := &domain.Case{
		AnalystID:          analystID,
		CustomerName:       in.KYC.FullName,
		Status:             domain.CaseStatusDraft,
		Source:             domain.CaseSourceManual,
		Input:              in.WithNarrative(""),
		Evaluation:         &result.Evaluation,
		Screening:          result.Screening,
		TriggeredRules:     strings.Join(result.Evaluation.TriggeredRules, "\n"),
		GeneratedNarrative: in.Narrative,
	}
	if err := s.repo.CreateCase(ctx, tenantID, c); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to store case: %w", err))
	}
	span.SetAttributes(attribute.String("case.id", c.ID))

	slog.Info("case created",
		"case_id", c.ID,
		"tenant_id", tenantID,
		"score", result.Evaluation.Score,
		"errors", len(result.Evaluation.Errors),
	)

	s.publish(ctx, domain.TopicCaseCreated, &domain.CaseEvent{
		CaseID:         c.ID,
		TenantID:       tenantID,
		AnalystID:      analystID,
		TriggeredRules: result.Evaluation.TriggeredRules,
		Prompt:         PromptCaseCreated,
		Response:       "Status: " + string(c.Status),
	})
	return c, nil
}

// ImportResult is the outcome of a CSV import.
type ImportResult struct {
	Case   *domain.Case       `json:"case"`
	Risk   *domain.RiskResult `json:"risk"`
	Rows   int                `json:"rows"`
	Cached bool               `json:"cached"`
}

// ImportCSV scores an uploaded transaction file and opens a Draft case for
// its primary customer, storing every row.
func (s *Service) ImportCSV(ctx context.Context, tenantID, analystID, filename string, r io.Reader) (*ImportResult, error) {
	ctx, span := tracer.Start(ctx, "casework.ImportCSV",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("upload.filename", filename),
		),
	)
	defer span.End()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to read upload: %w", err))
	}

	table, result, cached, err := s.ScoreCSV(ctx, tenantID, data)
	if err != nil {
		return nil, spanError(span, err)
	}

	customer := table.PrimaryCustomer()
	score := result.Score
	c := &domain.Case{
		AnalystID:      analystID,
		CustomerName:   customer,
		Status:         domain.CaseStatusDraft,
		Source:         domain.CaseSourceCSV,
		Filename:       filename,
		Input:          inputFromTable(table, customer, result.Metrics.TotalVolume),
		TriggeredRules: strings.Join(result.TriggeredRules, "\n"),
		RiskScore:      &score,
		RiskLevel:      result.Level,
	}
	if err := s.repo.CreateCase(ctx, tenantID, c); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to store case: %w", err))
	}
	if err := s.repo.SaveCaseTransactions(ctx, tenantID, c.ID, table.Rows); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to store transactions: %w", err))
	}
	span.SetAttributes(attribute.String("case.id", c.ID), attribute.Int("risk.score", score))

	slog.Info("csv imported",
		"case_id", c.ID,
		"tenant_id", tenantID,
		"rows", len(table.Rows),
		"risk_score", score,
		"risk_level", result.Level,
		"cached", cached,
	)

	s.publish(ctx, domain.TopicImportScored, &domain.CaseEvent{
		CaseID:         c.ID,
		TenantID:       tenantID,
		AnalystID:      analystID,
		TriggeredRules: result.TriggeredRules,
		Prompt:         PromptImport,
		Response:       fmt.Sprintf("Uploaded %d transactions. Risk Score: %d", len(table.Rows), score),
	})

	return &ImportResult{Case: c, Risk: result, Rows: len(table.Rows), Cached: cached}, nil
}

// AttachNarrative stores a drafted narrative, re-evaluates the case with it
// and moves the case to Review. A case already in Review may be redrafted.
func (s *Service) AttachNarrative(ctx context.Context, tenantID, caseID, narrative string) (*domain.Case, error) {
	return s.updateNarrative(ctx, "casework.AttachNarrative", tenantID, caseID, narrative,
		[]domain.CaseStatus{domain.CaseStatusDraft, domain.CaseStatusReview},
		func(c *domain.Case) {
			c.GeneratedNarrative = narrative
			c.EditedNarrative = ""
			c.Status = domain.CaseStatusReview
		},
	)
}

// EditNarrative stores an analyst's edit and moves the case to Pending Review.
func (s *Service) EditNarrative(ctx context.Context, tenantID, caseID, narrative string) (*domain.Case, error) {
	return s.updateNarrative(ctx, "casework.EditNarrative", tenantID, caseID, narrative,
		[]domain.CaseStatus{domain.CaseStatusReview, domain.CaseStatusPendingReview},
		func(c *domain.Case) {
			c.EditedNarrative = narrative
			c.Status = domain.CaseStatusPendingReview
		},
	)
}

func (s *Service) updateNarrative(ctx context.Context, op, tenantID, caseID, narrative string, from []domain.CaseStatus, apply func(*domain.Case)) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("case.id", caseID),
		),
	)
	defer span.End()

	if strings.TrimSpace(narrative) == "" {
		return nil, spanError(span, ErrEmptyNarrative)
	}

	c, err := s.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !statusIn(c.Status, from) {
		return nil, spanError(span, fmt.Errorf("%w: %s case cannot take a narrative", ErrInvalidTransition, c.Status))
	}

	apply(c)

	result, err := s.Evaluate(ctx, tenantID, c.Input.WithNarrative(c.CurrentNarrative()))
	if err != nil {
		return nil, spanError(span, err)
	}
	c.Evaluation = &result.Evaluation
	c.Screening = result.Screening
	if c.Source == domain.CaseSourceManual {
		c.TriggeredRules = strings.Join(result.Evaluation.TriggeredRules, "\n")
	}

	if err := s.repo.UpdateCase(ctx, tenantID, c); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to update case: %w", err))
	}

	s.publish(ctx, domain.TopicCaseEvaluated, &domain.CaseEvent{
		CaseID:         c.ID,
		TenantID:       tenantID,
		AnalystID:      c.AnalystID,
		TriggeredRules: result.Evaluation.TriggeredRules,
		Prompt:         narrative,
		Response:       evaluationSummary(c.Status, &result.Evaluation),
	})
	return c, nil
}

// Approve marks a reviewed case as approved for filing.
func (s *Service) Approve(ctx context.Context, tenantID, caseID, role string) (*domain.Case, error) {
	ctx, span := tracer.Start(ctx, "casework.Approve",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("case.id", caseID),
			attribute.String("analyst.role", role),
		),
	)
	defer span.End()

	if !CanApprove(role) {
		return nil, spanError(span, fmt.Errorf("%w: role %q", ErrForbidden, role))
	}

	c, err := s.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !statusIn(c.Status, []domain.CaseStatus{domain.CaseStatusReview, domain.CaseStatusPendingReview}) {
		return nil, spanError(span, fmt.Errorf("%w: %s case cannot be approved", ErrInvalidTransition, c.Status))
	}
	if c.Evaluation == nil || !c.Evaluation.Submittable() {
		return nil, spanError(span, ErrNotSubmittable)
	}

	c.Status = domain.CaseStatusApproved
	if err := s.repo.UpdateCase(ctx, tenantID, c); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to update case: %w", err))
	}

	slog.Info("case approved", "case_id", c.ID, "tenant_id", tenantID, "role", role)

	s.publish(ctx, domain.TopicCaseApproved, &domain.CaseEvent{
		CaseID:         c.ID,
		TenantID:       tenantID,
		AnalystID:      c.AnalystID,
		TriggeredRules: c.Evaluation.TriggeredRules,
		Prompt:         PromptApproved,
		Response:       "Status: " + string(c.Status),
	})
	return c, nil
}

// CanApprove reports whether a role may approve cases.
func CanApprove(role string) bool {
	for _, r := range ApproverRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Get returns one case.
func (s *Service) Get(ctx context.Context, tenantID, caseID string) (*domain.Case, error) {
	return s.repo.GetCase(ctx, tenantID, caseID)
}

// List returns the tenant's most recent cases.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*domain.Case, error) {
	return s.repo.ListCases(ctx, tenantID, limit)
}

// Transactions returns the rows imported with a case.
func (s *Service) Transactions(ctx context.Context, tenantID, caseID string) ([]domain.TransactionRow, error) {
	if _, err := s.repo.GetCase(ctx, tenantID, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListCaseTransactions(ctx, tenantID, caseID)
}

// AuditTrail returns a case's audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context, tenantID, caseID string) ([]*domain.AuditEntry, error) {
	if _, err := s.repo.GetCase(ctx, tenantID, caseID); err != nil {
		return nil, err
	}
	return s.repo.ListAuditEntries(ctx, tenantID, caseID)
}

func (s *Service) publish(ctx context.Context, topic string, event *domain.CaseEvent) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishEvent(ctx, s.bus, topic, event); err != nil {
		slog.Error("failed to publish case event",
			"topic", topic,
			"case_id", event.CaseID,
			"tenant_id", event.TenantID,
			"error", err,
		)
	}
}

// inputFromTable derives a case input from imported rows so that the case
// can be evaluated once a narrative is attached.
func inputFromTable(table *domain.TransactionTable, customer string, volume float64) domain.CaseInput {
	in := domain.CaseInput{
		KYC:          domain.KYC{FullName: customer, CustomerID: customer},
		Transactions: make([]domain.CaseTransaction, 0, len(table.Rows)),
		TotalAmount:  volume,
	}
	// The upload is the customer's own ledger, so the customer ID stands in
	// for the account that carried the activity.
	if customer != domain.UnknownCustomer {
		in.Accounts = []domain.Account{{Number: customer, Type: AccountTypeCustomer}}
	}

	var first, last time.Time
	for _, row := range table.Rows {
		amount, _ := row.Amount.Decimal()
		in.Transactions = append(in.Transactions, domain.CaseTransaction{
			Type:        strings.ToLower(strings.TrimSpace(row.Type)),
			Amount:      amount.InexactFloat64(),
			Date:        row.TransactionDate,
			Description: row.Description,
		})

		d, ok := parseRowDate(row.TransactionDate)
		if !ok {
			continue
		}
		if first.IsZero() || d.Before(first) {
			first = d
		}
		if last.IsZero() || d.After(last) {
			last = d
		}
	}

	if !first.IsZero() {
		in.ActivityStart = first.Format("01/02/2006")
		in.ActivityEnd = last.Format("01/02/2006")
	}
	return in
}

var rowDateLayouts = []string{rules.ActivityDateLayout, "2006-01-02", time.RFC3339}

func parseRowDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range rowDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func evaluationSummary(status domain.CaseStatus, e *domain.RuleEvaluation) string {
	return fmt.Sprintf("Status: %s; Score: %d; Confidence: %s; Errors: %d; Warnings: %d",
		status, e.Score, e.ConfidenceLabel, len(e.Errors), len(e.Warnings))
}

func statusIn(status domain.CaseStatus, allowed []domain.CaseStatus) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
