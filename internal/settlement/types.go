// Package settlement applies the daily operating result: one percentage
// return credited (or debited) to every eligible investor in a single batch.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMovementHour is the local hour of daily operating result events.
// It sorts before same-day approvals, which default to 19:00.
const DefaultMovementHour = 17

// Config holds applicator configuration
type Config struct {
	Location     *time.Location
	MovementHour int
	Validation   *ValidationConfig
}

// DefaultConfig returns the default applicator configuration
func DefaultConfig() Config {
	return Config{
		Location:     time.Local,
		MovementHour: DefaultMovementHour,
		Validation:   DefaultValidationConfig(),
	}
}

// InvestorMovement is one investor's share of a daily operating result.
type InvestorMovement struct {
	InvestorID string          `json:"investor_id"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
	Delta      decimal.Decimal `json:"delta"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// PreviewReport describes what applying a daily percentage would write.
type PreviewReport struct {
	Date          time.Time          `json:"date"`
	Percent       decimal.Decimal    `json:"percent"`
	MovementAt    time.Time          `json:"movement_at"`
	Investors     []InvestorMovement `json:"investors"`
	InvestorCount int                `json:"investor_count"`
	TotalBalance  decimal.Decimal    `json:"total_balance"`
	TotalDelta    decimal.Decimal    `json:"total_delta"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// ApplyResult is the outcome of a daily application
type ApplyResult struct {
	PreviewReport
	AppliedBy string        `json:"applied_by"`
	AppliedAt time.Time     `json:"applied_at"`
	Duration  time.Duration `json:"duration"`
}
