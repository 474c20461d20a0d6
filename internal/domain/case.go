package domain

import (
	"encoding/json"
	"time"
)

// CaseInput is the structured payload of a single SAR case.
// It is the only input of the case rule evaluator.
type CaseInput struct {
	KYC               KYC               `json:"kyc"`
	Accounts          []Account         `json:"accounts"`
	Transactions      []CaseTransaction `json:"transactions"`
	ActivityStart     string            `json:"activity_start"` // MM/DD/YYYY
	ActivityEnd       string            `json:"activity_end"`   // MM/DD/YYYY
	TotalAmount       float64           `json:"total_amount"`
	SubjectIdentified bool              `json:"subject_identified"`

	// Narrative is optional. An empty string means no narrative has been drafted.
	Narrative string `json:"narrative,omitempty"`
}

// WithNarrative returns a copy of the input carrying the given narrative.
func (c CaseInput) WithNarrative(narrative string) CaseInput {
	c.Narrative = narrative
	return c
}

// KYC holds know-your-customer details for the case subject.
type KYC struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Address     string `json:"address,omitempty"`
	CustomerID  string `json:"customer_id,omitempty"`
	Occupation  string `json:"occupation,omitempty"`
}

// Account describes an account associated with the subject.
type Account struct {
	Number      string `json:"account_number"`
	Type        string `json:"type,omitempty"`
	Institution string `json:"institution,omitempty"`
}

// UnmarshalJSON accepts either a bare account number string or an object.
func (a *Account) UnmarshalJSON(data []byte) error {
	var number string
	if err := json.Unmarshal(data, &number); err == nil {
		*a = Account{Number: number}
		return nil
	}

	type plain Account
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Account(p)
	return nil
}

// CaseTransaction is one curated transaction attached to a case.
type CaseTransaction struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Date        string  `json:"date,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ConfidenceLabel is the coarse classification of a rule evaluation.
type ConfidenceLabel string

const (
	ConfidenceLow    ConfidenceLabel = "LOW"
	ConfidenceMedium ConfidenceLabel = "MEDIUM"
	ConfidenceHigh   ConfidenceLabel = "HIGH"
)

// RuleEvaluation is the output of the case rule evaluator.
// Errors block narrative generation and submission; warnings are advisory.
type RuleEvaluation struct {
	TriggeredRules  []string        `json:"triggered_rules"`
	Errors          []string        `json:"errors"`
	Warnings        []string        `json:"warnings"`
	ConfidenceLabel ConfidenceLabel `json:"confidence_label"`
	ConfidenceScore float64         `json:"confidence_score"`
	Score           int             `json:"score"`
}

// Submittable reports whether the evaluation carries no blocking errors.
func (e *RuleEvaluation) Submittable() bool {
	return len(e.Errors) == 0
}

// CaseStatus is the lifecycle state of a stored case.
type CaseStatus string

const (
	CaseStatusDraft         CaseStatus = "Draft"
	CaseStatusReview        CaseStatus = "Review"
	CaseStatusPendingReview CaseStatus = "Pending Review"
	CaseStatusApproved      CaseStatus = "Approved"
)

// CaseSource records how a case entered the system.
type CaseSource string

const (
	CaseSourceManual CaseSource = "manual"
	CaseSourceCSV    CaseSource = "csv"
)

// Case is a persisted SAR case.
type Case struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	AnalystID    string     `json:"analystId"`
	CustomerName string     `json:"customerName"`
	Status       CaseStatus `json:"status"`
	Source       CaseSource `json:"source"`
	Filename     string     `json:"filename,omitempty"`

	Input      CaseInput       `json:"input"`
	Evaluation *RuleEvaluation `json:"evaluation,omitempty"`
	Screening  []ScreeningHit  `json:"screening,omitempty"`

	// TriggeredRules is the newline-joined display form handed to narrative tooling.
	TriggeredRules string `json:"triggeredRules"`

	// Risk fields are populated for bulk imports only.
	RiskScore *int      `json:"riskScore,omitempty"`
	RiskLevel RiskLevel `json:"riskLevel,omitempty"`

	GeneratedNarrative string `json:"generatedNarrative,omitempty"`
	EditedNarrative    string `json:"editedNarrative,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CurrentNarrative returns the analyst-edited narrative if present,
// otherwise the generated one.
func (c *Case) CurrentNarrative() string {
	if c.EditedNarrative != "" {
		return c.EditedNarrative
	}
	return c.GeneratedNarrative
}

// AuditEntry is one row of a case's audit trail.
type AuditEntry struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	CaseID         string    `json:"caseId"`
	Action         string    `json:"action"`
	RulesTriggered string    `json:"rulesTriggered"`
	Prompt         string    `json:"prompt"`
	Response       string    `json:"response"`
	CreatedAt      time.Time `json:"createdAt"`
}
