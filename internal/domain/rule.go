package domain

import "time"

// ScreeningRule is an analyst-defined red flag expressed in CEL over case aggregates.
// Screening rules are advisory and never change a case's rule evaluation.
type ScreeningRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Expression must evaluate to bool, e.g. "cash_near_ctr_count >= 3 && total_amount > 20000.0"
	Expression string `json:"expression"`

	// Reason is reported when the expression evaluates to true.
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ScreeningHit is a screening rule that matched a case.
type ScreeningHit struct {
	RuleID string `json:"ruleId"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}
