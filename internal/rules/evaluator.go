package rules

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Filing thresholds (31 CFR § 1020.320).
const (
	FilingThresholdIdentified   = 5000.0
	FilingThresholdUnidentified = 25000.0
)

// Structuring window for curated cash transactions. Both bounds inclusive.
const (
	StructuringLowerBound = 9000.0
	StructuringUpperBound = 9999.0
	StructuringMinRatio   = 0.8
)

// MinNarrativeLength is the minimum narrative length in characters.
const MinNarrativeLength = 500

// Confidence breakpoints over the raw rule score.
const (
	HighConfidenceScore   = 13
	MediumConfidenceScore = 9

	HighConfidence   = 0.9
	MediumConfidence = 0.75
	LowConfidence    = 0.5
)

// ActivityDateLayout is MM/DD/YYYY; single-digit months and days are accepted.
const ActivityDateLayout = "1/2/2006"

// Triggered rule codes.
const (
	TriggerFiling30Days = "RULE 01: Filing Mandatory (30 days)"
	TriggerFiling60Days = "RULE 02: Filing Mandatory (60 days)"
	TriggerStructuring  = "RULE 10: STRUCTURING detected (31 U.S.C. § 5324)"
)

// Validation errors.
const (
	ErrMsgFullNameMissing    = "Full name missing"
	ErrMsgNoAccounts         = "No account information provided"
	ErrMsgInvalidDates       = "Invalid or missing activity dates"
	ErrMsgEndBeforeStart     = "End date before start date"
	ErrMsgInvalidAmount      = "Invalid suspicious amount"
	ErrMsgProhibitedLanguage = "Prohibited language detected"
)

// Advisory warnings.
const (
	WarnMissing5W1H       = "Narrative missing full 5W1H elements"
	WarnNarrativeTooShort = "Narrative below 500 characters"
	WarnNoTransactions    = "No transaction details provided"
	WarnNoInvestigation   = "Investigation steps not documented"
	WarnNoConclusion      = "Conclusion section missing"
)

// NarrativeElements are the 5W1H tokens a narrative must mention.
var NarrativeElements = []string{"who", "what", "when", "where", "why", "how"}

// ProhibitedTerms are conclusory words a SAR narrative must not use.
var ProhibitedTerms = []string{"guilty", "criminal", "definitely", "certainly", "obviously"}

// EvaluateCase runs the fixed battery of filing and content checks over a case.
// Every check runs regardless of earlier failures. It never fails: bad input
// surfaces as entries in Errors.
func EvaluateCase(in domain.CaseInput) domain.RuleEvaluation {
	eval := domain.RuleEvaluation{
		TriggeredRules: []string{},
		Errors:         []string{},
		Warnings:       []string{},
	}
	score := 0

	// Filing thresholds
	if in.SubjectIdentified && in.TotalAmount >= FilingThresholdIdentified {
		eval.TriggeredRules = append(eval.TriggeredRules, TriggerFiling30Days)
		score++
	}
	if !in.SubjectIdentified && in.TotalAmount >= FilingThresholdUnidentified {
		eval.TriggeredRules = append(eval.TriggeredRules, TriggerFiling60Days)
		score++
	}

	// Subject
	if in.KYC.FullName == "" {
		eval.Errors = append(eval.Errors, ErrMsgFullNameMissing)
	} else {
		score++
	}

	// Accounts
	if len(in.Accounts) == 0 {
		eval.Errors = append(eval.Errors, ErrMsgNoAccounts)
	} else {
		score++
	}

	// Activity period
	if msg := checkActivityPeriod(in.ActivityStart, in.ActivityEnd); msg != "" {
		eval.Errors = append(eval.Errors, msg)
	} else {
		score++
	}

	// Amount
	if in.TotalAmount <= 0 {
		eval.Errors = append(eval.Errors, ErrMsgInvalidAmount)
	} else {
		score++
	}

	// Red flags
	if HasStructuring(in.Transactions) {
		eval.TriggeredRules = append(eval.TriggeredRules, TriggerStructuring)
		score += 2
	}

	narrative := in.Narrative
	lower := strings.ToLower(narrative)
	hasNarrative := narrative != ""

	// 5W1H
	if hasNarrative {
		if Has5W1H(narrative) {
			score += 2
		} else {
			eval.Warnings = append(eval.Warnings, WarnMissing5W1H)
		}
	}

	// Length
	if hasNarrative {
		if utf8.RuneCountInString(narrative) >= MinNarrativeLength {
			score++
		} else {
			eval.Warnings = append(eval.Warnings, WarnNarrativeTooShort)
		}
	}

	// Prohibited language; a missing narrative cannot contain any.
	if hasNarrative && ContainsProhibitedLanguage(narrative) {
		eval.Errors = append(eval.Errors, ErrMsgProhibitedLanguage)
	} else {
		score++
	}

	// Transaction details
	if len(in.Transactions) > 0 {
		score++
	} else {
		eval.Warnings = append(eval.Warnings, WarnNoTransactions)
	}

	// Investigation and conclusion sections
	if hasNarrative && strings.Contains(lower, "investigation") {
		score++
	} else {
		eval.Warnings = append(eval.Warnings, WarnNoInvestigation)
	}
	if hasNarrative && strings.Contains(lower, "conclusion") {
		score++
	} else {
		eval.Warnings = append(eval.Warnings, WarnNoConclusion)
	}

	eval.Score = score
	eval.ConfidenceLabel, eval.ConfidenceScore = Confidence(score)
	return eval
}

// checkActivityPeriod returns an error message, or "" when the period is valid.
func checkActivityPeriod(start, end string) string {
	s, err := time.Parse(ActivityDateLayout, start)
	if err != nil {
		return ErrMsgInvalidDates
	}
	e, err := time.Parse(ActivityDateLayout, end)
	if err != nil {
		return ErrMsgInvalidDates
	}
	if e.Before(s) {
		return ErrMsgEndBeforeStart
	}
	return ""
}

// HasStructuring reports whether cash activity clusters just under the CTR threshold:
// at least 80% of cash transactions fall within [9000, 9999].
func HasStructuring(txs []domain.CaseTransaction) bool {
	cash, inWindow := 0, 0
	for _, tx := range txs {
		if tx.Type != "cash" {
			continue
		}
		cash++
		if tx.Amount >= StructuringLowerBound && tx.Amount <= StructuringUpperBound {
			inWindow++
		}
	}
	if cash == 0 {
		return false
	}
	return float64(inWindow)/float64(cash) >= StructuringMinRatio
}

// Has5W1H reports whether the narrative mentions all of who/what/when/where/why/how.
// Matching is by case-insensitive substring.
func Has5W1H(narrative string) bool {
	text := strings.ToLower(narrative)
	for _, element := range NarrativeElements {
		if !strings.Contains(text, element) {
			return false
		}
	}
	return true
}

// ContainsProhibitedLanguage reports whether any prohibited term occurs in the text.
func ContainsProhibitedLanguage(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range ProhibitedTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// Confidence maps a raw rule score to its label and numeric confidence.
func Confidence(score int) (domain.ConfidenceLabel, float64) {
	switch {
	case score >= HighConfidenceScore:
		return domain.ConfidenceHigh, HighConfidence
	case score >= MediumConfidenceScore:
		return domain.ConfidenceMedium, MediumConfidence
	default:
		return domain.ConfidenceLow, LowConfidence
	}
}
