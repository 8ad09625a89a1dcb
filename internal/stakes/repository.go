package stakes

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictstake/internal/chain"
	"predictstake/internal/market"
)

// LedgerReader is the read side of the prediction-market contract.
type LedgerReader interface {
	GetAllStakes(ctx context.Context) ([]market.Stake, chain.StakeTotals, error)
	GetStakers(ctx context.Context, stakeID uint64) ([]market.Staker, error)
}

// Repository materializes the full stake book: every stake joined with its
// stakers and the folded up/down pool totals. It is a read path only and is
// never cached; the settlement engine re-reads it at the top of every pass.
type Repository struct {
	Ledger LedgerReader
	Logger *zap.Logger
}

// ListStakes reads all stakes and joins stakers per stake. A failed staker
// query affects only its own stake: the stake is kept with an empty staker
// list and the listing continues.
func (r *Repository) ListStakes(ctx context.Context) ([]market.Stake, error) {
	stakes, totals, err := r.Ledger.GetAllStakes(ctx)
	if err != nil {
		return nil, err
	}

	grandTotal := decimal.Zero
	for i := range stakes {
		stakers, err := r.Ledger.GetStakers(ctx, stakes[i].ID)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("staker query failed, continuing with empty stakers",
					zap.Uint64("stake_id", stakes[i].ID),
					zap.Error(err),
				)
			}
			stakers = nil
		}
		stakes[i].Stakers = stakers
		stakes[i].TotalStakedUp, stakes[i].TotalStakedDown = market.FoldPools(stakers)
		grandTotal = grandTotal.Add(stakes[i].TotalStakedUp).Add(stakes[i].TotalStakedDown)
	}

	// Cross-check the folded pools against the contract's own aggregate.
	// A mismatch here is a data problem worth an operator's attention, but
	// it never blocks settlement.
	if totals.TotalAmountStaked.IsPositive() && !grandTotal.Equal(totals.TotalAmountStaked) {
		if r.Logger != nil {
			r.Logger.Warn("folded pool total diverges from ledger aggregate",
				zap.String("folded", grandTotal.String()),
				zap.String("ledger", totals.TotalAmountStaked.String()),
			)
		}
	}
	return stakes, nil
}
