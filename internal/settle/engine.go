package settle

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"predictstake/internal/chain"
	"predictstake/internal/config"
	"predictstake/internal/market"
	"predictstake/internal/models"
	"predictstake/internal/oracle"
	"predictstake/internal/repository"
	"predictstake/internal/retry"
)

// StakeLister is the fresh read over ledger state at the top of every pass.
type StakeLister interface {
	ListStakes(ctx context.Context) ([]market.Stake, error)
}

// PriceResolver is the multi-source oracle fallback chain.
type PriceResolver interface {
	ResolvePrices(ctx context.Context, assets []string) map[string]oracle.Quote
	ResolvePrice(ctx context.Context, asset string) (oracle.Quote, error)
	Health() []oracle.SourceHealth
}

// ResolverFactory builds a resolver with a fresh pass-scoped price cache.
type ResolverFactory func() PriceResolver

// Ledger is the write side: submit a resolution and await confirmation.
type Ledger interface {
	ResolveStake(ctx context.Context, stakeID uint64, actualPrice decimal.Decimal) (common.Hash, error)
}

// Engine turns the eligible stake set into ledger resolution submissions.
//
// It holds no lock of its own: every pass re-reads ledger state fresh, and
// the contract rejects a second resolution of the same stake with a
// distinguishable revert, so overlapping passes converge with the loser
// recording already-resolved.
type Engine struct {
	Stakes      StakeLister
	NewResolver ResolverFactory
	Ledger      Ledger
	Store       repository.Repository
	Logger      *zap.Logger
	Config      config.SettlementConfig
}

// RunOnce performs one settlement pass. Per-stake failures are isolated at
// the loop boundary; only a failed top-level stake read aborts the pass.
func (e *Engine) RunOnce(ctx context.Context, trigger string) (Summary, error) {
	now := time.Now().UTC()
	summary := Summary{Trigger: trigger, StartedAt: now}

	stakes, err := e.Stakes.ListStakes(ctx)
	if err != nil {
		summary.EndedAt = time.Now().UTC()
		e.recordPass(ctx, summary, err)
		return summary, err
	}

	eligible := EligibleStakes(stakes, now)
	summary.Eligible = len(eligible)
	if len(eligible) == 0 {
		summary.EndedAt = time.Now().UTC()
		e.recordPass(ctx, summary, nil)
		return summary, nil
	}

	resolver := e.NewResolver()
	quotes := resolver.ResolvePrices(ctx, DistinctAssets(eligible))

	outcomes := make([]Outcome, len(eligible))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency())
	for i, st := range eligible {
		g.Go(func() error {
			outcomes[i] = e.settleOne(ctx, resolver, quotes, st)
			return nil
		})
	}
	_ = g.Wait()

	summary.Outcomes = outcomes
	for _, o := range outcomes {
		switch {
		case o.Status == StatusResolved:
			summary.Resolved++
		case o.Status == StatusAlreadyResolved:
			summary.Skipped++
		case o.Status.Failure():
			summary.Failed++
		}
	}
	summary.EndedAt = time.Now().UTC()

	if e.Logger != nil {
		e.Logger.Info("settlement pass complete",
			zap.String("trigger", trigger),
			zap.Int("eligible", summary.Eligible),
			zap.Int("resolved", summary.Resolved),
			zap.Int("failed", summary.Failed),
			zap.Int("already_resolved", summary.Skipped),
			zap.Duration("took", summary.EndedAt.Sub(summary.StartedAt)),
		)
	}

	e.recordPass(ctx, summary, nil)
	e.recordOracleHealth(ctx, resolver.Health())
	return summary, nil
}

func (e *Engine) settleOne(ctx context.Context, resolver PriceResolver, quotes map[string]oracle.Quote, st market.Stake) Outcome {
	out := Outcome{StakeID: st.ID, Asset: st.CryptoID}

	q, ok := quotes[st.CryptoID]
	if !ok {
		// One live per-asset attempt before giving up on this stake.
		live, err := resolver.ResolvePrice(ctx, st.CryptoID)
		if err != nil {
			out.Status = StatusPriceUnavailable
			out.Err = err.Error()
			return out
		}
		q = live
	}
	price := q.Price
	out.Price = &price
	out.Source = q.Source

	subCtx := ctx
	if e.Config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		subCtx, cancel = context.WithTimeout(ctx, e.Config.SubmitTimeout)
		defer cancel()
	}

	var txHash common.Hash
	err := retry.Do(subCtx, 2, isTransientSubmit, retry.Fixed(e.retryCooldown()), func() error {
		h, serr := e.Ledger.ResolveStake(subCtx, st.ID, q.Price)
		if serr == nil {
			txHash = h
		}
		return serr
	})
	if txHash != (common.Hash{}) {
		out.TxHash = txHash.Hex()
	}

	switch {
	case err == nil:
		out.Status = StatusResolved
	case chain.IsAlreadyResolved(err):
		out.Status = StatusAlreadyResolved
		out.Err = err.Error()
	case isTransientSubmit(err):
		out.Status = StatusRateLimited
		out.Err = err.Error()
	default:
		out.Status = StatusSubmissionFailed
		out.Err = err.Error()
	}
	if err != nil && e.Logger != nil {
		e.Logger.Warn("stake not settled this pass",
			zap.Uint64("stake_id", st.ID),
			zap.String("asset", st.CryptoID),
			zap.String("status", string(out.Status)),
			zap.Error(err),
		)
	}
	return out
}

func (e *Engine) concurrency() int {
	if e.Config.Concurrency > 0 {
		return e.Config.Concurrency
	}
	return 4
}

func (e *Engine) retryCooldown() time.Duration {
	if e.Config.RetryCooldown > 0 {
		return e.Config.RetryCooldown
	}
	return 30 * time.Second
}

// isTransientSubmit decides whether a submission failure smells like
// throttling rather than a contract-level rejection.
func isTransientSubmit(err error) bool {
	if err == nil {
		return false
	}
	if chain.IsAlreadyResolved(err) {
		return false
	}
	if oracle.IsRateLimited(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429")
}

func (e *Engine) recordPass(ctx context.Context, summary Summary, passErr error) {
	if e == nil || e.Store == nil {
		return
	}
	pass := &models.SettlementPass{
		Trigger:   summary.Trigger,
		Eligible:  summary.Eligible,
		Resolved:  summary.Resolved,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		StartedAt: summary.StartedAt,
	}
	if !summary.EndedAt.IsZero() {
		ended := summary.EndedAt
		pass.EndedAt = &ended
	}
	if passErr != nil {
		msg := passErr.Error()
		pass.Error = &msg
	}
	if err := e.Store.InsertSettlementPass(ctx, pass); err != nil {
		e.logWarn("record pass failed", err)
		return
	}

	if len(summary.Outcomes) == 0 {
		return
	}
	rows := make([]models.StakeOutcome, 0, len(summary.Outcomes))
	snaps := make([]models.PriceSnapshot, 0, len(summary.Outcomes))
	snapSeen := map[string]struct{}{}
	for _, o := range summary.Outcomes {
		row := models.StakeOutcome{
			PassID:  pass.ID,
			StakeID: o.StakeID,
			Asset:   o.Asset,
			Status:  string(o.Status),
			Price:   o.Price,
		}
		if o.TxHash != "" {
			tx := o.TxHash
			row.TxHash = &tx
		}
		if o.Err != "" {
			msg := o.Err
			row.Error = &msg
		}
		if o.Source != "" {
			if details, err := json.Marshal(map[string]any{"source": o.Source}); err == nil {
				row.Details = datatypes.JSON(details)
			}
		}
		rows = append(rows, row)

		if o.Price != nil && o.Source != "" {
			key := o.Asset + "|" + o.Source
			if _, dup := snapSeen[key]; !dup {
				snapSeen[key] = struct{}{}
				snaps = append(snaps, models.PriceSnapshot{
					Asset:     o.Asset,
					Source:    o.Source,
					Price:     *o.Price,
					FetchedAt: summary.StartedAt,
				})
			}
		}
	}
	if err := e.Store.InsertStakeOutcomes(ctx, rows); err != nil {
		e.logWarn("record outcomes failed", err)
	}
	if err := e.Store.InsertPriceSnapshots(ctx, snaps); err != nil {
		e.logWarn("record price snapshots failed", err)
	}
}

func (e *Engine) recordOracleHealth(ctx context.Context, health []oracle.SourceHealth) {
	if e == nil || e.Store == nil {
		return
	}
	for _, h := range health {
		item := &models.OracleHealth{
			Name:       h.Name,
			SourceType: sourceType(h.Name),
			Status:     h.Status,
			LastPollAt: h.LastPollAt,
			LastError:  h.LastError,
		}
		if err := e.Store.UpsertOracleHealth(ctx, item); err != nil {
			e.logWarn("record oracle health failed", err, zap.String("source", h.Name))
		}
	}
}

func sourceType(name string) string {
	if name == "coingecko" {
		return "rest"
	}
	return "onchain"
}

func (e *Engine) logWarn(msg string, err error, fields ...zap.Field) {
	if e == nil || e.Logger == nil {
		return
	}
	e.Logger.Warn(msg, append(fields, zap.Error(err))...)
}
