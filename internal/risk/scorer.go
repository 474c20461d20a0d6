// Package risk scores bulk transaction tables for aggregate AML risk.
package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned when a table cannot be scored at all.
var ErrInvalidInput = errors.New("invalid input")

// Scoring constants.
const (
	HighValueThreshold = 9000

	// Structuring window is exclusive on both ends.
	StructuringWindowLow  = 9000
	StructuringWindowHigh = 10000
	StructuringMinRows    = 2

	HighVolumeThreshold     = 100000
	ModerateVolumeThreshold = 20000
	HighVolumePoints        = 30
	ModerateVolumePoints    = 10

	HighValuePoints   = 5
	CrossBorderPoints = 10

	MaxScore = 100

	// DomesticCountry is the only country code not counted as cross-border.
	DomesticCountry = "US"
)

// Level breakpoints.
const (
	CriticalScore = 80
	HighScore     = 50
	MediumScore   = 20
)

// TriggerStructuring is raised when enough rows sit just under the CTR threshold.
const TriggerStructuring = "Potential Structuring Detected ($9000-$10000 range)"

var (
	highValueThreshold = decimal.NewFromInt(HighValueThreshold)
	windowLow          = decimal.NewFromInt(StructuringWindowLow)
	windowHigh         = decimal.NewFromInt(StructuringWindowHigh)
	highVolume         = decimal.NewFromInt(HighVolumeThreshold)
	moderateVolume     = decimal.NewFromInt(ModerateVolumeThreshold)
)

// TriggerHighValue names the number of high value rows.
func TriggerHighValue(count int) string {
	return fmt.Sprintf("High Value Transactions Detected (Count: %d)", count)
}

// TriggerCrossBorder names the number of cross-border rows.
func TriggerCrossBorder(count int) string {
	return fmt.Sprintf("Cross-Border Activity Detected (%d txns)", count)
}

// Score computes the aggregate risk of a transaction table.
//
// Amount cells that cannot be read as numbers count as 0 and are reported in
// Metrics.CoercionFailures. A table without an amount column is rejected; a
// table without a country column simply skips cross-border scoring.
func Score(table *domain.TransactionTable) (*domain.RiskResult, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: no table", ErrInvalidInput)
	}
	if !table.HasColumn(domain.ColumnAmount) {
		return nil, fmt.Errorf("%w: missing column %q", ErrInvalidInput, domain.ColumnAmount)
	}
	checkCountry := table.HasColumn(domain.ColumnCountry)

	var metrics domain.RiskMetrics
	volume := decimal.Zero
	windowCount := 0

	for _, row := range table.Rows {
		amount, ok := row.Amount.Decimal()
		if !ok {
			amount = decimal.Zero
			metrics.CoercionFailures++
		}
		volume = volume.Add(amount)

		if amount.GreaterThanOrEqual(highValueThreshold) {
			metrics.HighValueCount++
		}
		if amount.GreaterThan(windowLow) && amount.LessThan(windowHigh) {
			windowCount++
		}
		if checkCountry && strings.ToUpper(row.Country) != DomesticCountry {
			metrics.CrossBorderCount++
		}
	}
	metrics.TotalVolume = volume.InexactFloat64()

	triggers := []string{}
	if metrics.HighValueCount > 0 {
		triggers = append(triggers, TriggerHighValue(metrics.HighValueCount))
	}
	if windowCount > StructuringMinRows {
		triggers = append(triggers, TriggerStructuring)
	}
	if metrics.CrossBorderCount > 0 {
		triggers = append(triggers, TriggerCrossBorder(metrics.CrossBorderCount))
	}

	score := 0
	switch {
	case volume.GreaterThan(highVolume):
		score += HighVolumePoints
	case volume.GreaterThan(moderateVolume):
		score += ModerateVolumePoints
	}
	score += HighValuePoints*metrics.HighValueCount + CrossBorderPoints*metrics.CrossBorderCount
	score = clamp(score)

	return &domain.RiskResult{
		Score:          score,
		Level:          Level(score),
		Metrics:        metrics,
		TriggeredRules: triggers,
	}, nil
}

// Level classifies a clamped risk score.
func Level(score int) domain.RiskLevel {
	switch {
	case score >= CriticalScore:
		return domain.RiskCritical
	case score >= HighScore:
		return domain.RiskHigh
	case score >= MediumScore:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Summary renders a result as the one-line text stored in audit logs.
func Summary(r *domain.RiskResult) string {
	return fmt.Sprintf("Risk Score: %d (%s); Total Volume: %.2f; Rules: %s",
		r.Score, r.Level, r.Metrics.TotalVolume, strings.Join(r.TriggeredRules, "; "))
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
