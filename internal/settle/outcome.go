package settle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status classifies the result of one stake's settlement attempt.
type Status string

const (
	// StatusResolved: resolution confirmed on the ledger.
	StatusResolved Status = "resolved"
	// StatusPriceUnavailable: every oracle source was exhausted for the asset.
	StatusPriceUnavailable Status = "price-unavailable"
	// StatusRateLimited: transient throttling persisted through the single retry.
	StatusRateLimited Status = "rate-limited"
	// StatusSubmissionFailed: the ledger rejected the resolution for a
	// non-benign reason, or confirmation timed out.
	StatusSubmissionFailed Status = "submission-failed"
	// StatusAlreadyResolved: another pass won the race. Benign, not a failure.
	StatusAlreadyResolved Status = "already-resolved"
)

// Failure reports whether the status counts against the pass.
func (s Status) Failure() bool {
	switch s {
	case StatusResolved, StatusAlreadyResolved:
		return false
	default:
		return true
	}
}

// Outcome is the per-stake line of a pass summary.
type Outcome struct {
	StakeID uint64
	Asset   string
	Status  Status
	Price   *decimal.Decimal
	Source  string
	TxHash  string
	Err     string
}

// Summary is the result of one settlement pass.
type Summary struct {
	Trigger   string
	StartedAt time.Time
	EndedAt   time.Time
	Eligible  int
	Resolved  int
	Failed    int
	Skipped   int
	Outcomes  []Outcome
}
