package ledger

import "errors"

// Error taxonomy shared by every ledger operation. Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidNetWithdrawal = errors.New("invalid net withdrawal")
	ErrInvalidReversal      = errors.New("invalid reversal")
	ErrDuplicatePeriod      = errors.New("duplicate period")
	ErrNoProfit             = errors.New("no profit")
	ErrNoEligibleInvestors  = errors.New("no eligible investors")
	ErrValidation           = errors.New("validation error")
)
