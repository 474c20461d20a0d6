package domain

// RiskLevel is the categorical outcome of the bulk risk scorer.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// RiskMetrics are the aggregates the risk score is derived from.
type RiskMetrics struct {
	TotalVolume      float64 `json:"total_volume"`
	HighValueCount   int     `json:"high_value_count"`
	CrossBorderCount int     `json:"cross_border_count"`

	// CoercionFailures counts amount cells that could not be read as numbers
	// and were scored as 0. It never contributes to the score.
	CoercionFailures int `json:"coercion_failures"`
}

// RiskResult is the outcome of scoring one transaction table.
type RiskResult struct {
	Score          int         `json:"score"` // 0-100
	Level          RiskLevel   `json:"level"`
	Metrics        RiskMetrics `json:"metrics"`
	TriggeredRules []string    `json:"triggered_rules"`
}
