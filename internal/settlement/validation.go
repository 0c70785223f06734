package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"investor-ledger/internal/money"
)

// ValidationConfig holds the sanity thresholds for a daily percentage
type ValidationConfig struct {
	// WarnAbovePercent flags unusually large daily moves for review
	WarnAbovePercent decimal.Decimal
}

// DefaultValidationConfig returns default validation thresholds
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		WarnAbovePercent: decimal.NewFromInt(5),
	}
}

// ValidationResult holds the result of percentage validation
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`   // Hard failures (reject application)
	Warnings []string `json:"warnings"` // Anomalies (flag for review)
}

// ValidatePercent checks a daily percentage. A loss of 100% or more would
// wipe or overdraw every balance and is rejected.
func (c *ValidationConfig) ValidatePercent(pct decimal.Decimal) *ValidationResult {
	result := &ValidationResult{
		IsValid:  true,
		Errors:   []string{},
		Warnings: []string{},
	}

	if !pct.GreaterThan(money.Hundred().Neg()) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Invalid percent: %s%% (must be greater than -100)", pct))
		result.IsValid = false
	}
	if !money.Percent(pct).Equal(pct) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Invalid percent: %s%% (at most 4 decimal places)", pct))
		result.IsValid = false
	}

	if c != nil && c.WarnAbovePercent.IsPositive() && pct.Abs().GreaterThan(c.WarnAbovePercent) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Unusual daily move: %s%% exceeds %s%%", pct, c.WarnAbovePercent))
	}
	if pct.IsZero() {
		result.Warnings = append(result.Warnings, "Zero percent: events will carry no balance change")
	}

	return result
}
