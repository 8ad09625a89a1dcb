package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the predicted price movement of a stake.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Stake is the canonical normalized view of one on-chain prediction stake.
// The ledger contract returns positional tuples; everything downstream of the
// stakes repository sees only this shape.
type Stake struct {
	ID             uint64
	CryptoID       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CurrentPrice   decimal.Decimal
	PredictedPrice decimal.Decimal
	Direction      Direction
	// PercentChange is the predicted magnitude in basis points of a percent.
	PercentChange     int64
	Rewarded          bool
	PredictionCorrect bool
	ActualPrice       decimal.Decimal
	LibraryID         *uint64

	Stakers         []Staker
	TotalStakedUp   decimal.Decimal
	TotalStakedDown decimal.Decimal
}

// Staker is one wallet's position on one side of a stake.
type Staker struct {
	ID          uint64
	Wallet      string
	StakeID     uint64
	AmountInBNB decimal.Decimal
	StakeUp     bool
	Rewarded    bool
}

// Expired reports whether the stake's expiry window has passed.
func (s Stake) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// FoldPools recomputes the up/down pool totals from the staker list.
func FoldPools(stakers []Staker) (up, down decimal.Decimal) {
	up, down = decimal.Zero, decimal.Zero
	for _, st := range stakers {
		if st.StakeUp {
			up = up.Add(st.AmountInBNB)
		} else {
			down = down.Add(st.AmountInBNB)
		}
	}
	return up, down
}
