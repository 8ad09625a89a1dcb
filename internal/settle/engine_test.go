package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"predictstake/internal/chain"
	"predictstake/internal/config"
	"predictstake/internal/market"
	"predictstake/internal/models"
	"predictstake/internal/oracle"
	"predictstake/internal/repository"
)

type fakeLister struct {
	stakes []market.Stake
	err    error
}

func (f *fakeLister) ListStakes(ctx context.Context) ([]market.Stake, error) {
	return f.stakes, f.err
}

type fakeResolver struct {
	mu         sync.Mutex
	batch      map[string]oracle.Quote
	live       map[string]oracle.Quote
	batchCalls int
	liveCalls  []string
}

func (f *fakeResolver) ResolvePrices(ctx context.Context, assets []string) map[string]oracle.Quote {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	out := map[string]oracle.Quote{}
	for _, a := range assets {
		if q, ok := f.batch[a]; ok {
			out[a] = q
		}
	}
	return out
}

func (f *fakeResolver) ResolvePrice(ctx context.Context, asset string) (oracle.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveCalls = append(f.liveCalls, asset)
	if q, ok := f.live[asset]; ok {
		return q, nil
	}
	return oracle.Quote{}, oracle.ErrUnavailable
}

func (f *fakeResolver) Health() []oracle.SourceHealth { return nil }

type fakeLedger struct {
	mu     sync.Mutex
	errs   map[uint64][]error
	calls  map[uint64]int
	prices map[uint64]decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		errs:   map[uint64][]error{},
		calls:  map[uint64]int{},
		prices: map[uint64]decimal.Decimal{},
	}
}

func (f *fakeLedger) ResolveStake(ctx context.Context, stakeID uint64, actualPrice decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[stakeID]++
	if queue := f.errs[stakeID]; len(queue) > 0 {
		err := queue[0]
		f.errs[stakeID] = queue[1:]
		return common.Hash{}, err
	}
	f.prices[stakeID] = actualPrice
	return common.HexToHash(fmt.Sprintf("0x%064x", stakeID)), nil
}

// fakeStore stubs only the write methods the engine touches. The embedded
// nil interface panics on anything else, which is exactly what we want.
type fakeStore struct {
	repository.Repository
	mu       sync.Mutex
	passes   []*models.SettlementPass
	outcomes []models.StakeOutcome
	snaps    []models.PriceSnapshot
	health   []*models.OracleHealth
}

func (f *fakeStore) InsertSettlementPass(ctx context.Context, item *models.SettlementPass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = uint64(len(f.passes) + 1)
	f.passes = append(f.passes, item)
	return nil
}

func (f *fakeStore) InsertStakeOutcomes(ctx context.Context, items []models.StakeOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, items...)
	return nil
}

func (f *fakeStore) InsertPriceSnapshots(ctx context.Context, items []models.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, items...)
	return nil
}

func (f *fakeStore) UpsertOracleHealth(ctx context.Context, item *models.OracleHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, item)
	return nil
}

func expiredStake(id uint64, asset string) market.Stake {
	return market.Stake{
		ID:        id,
		CryptoID:  asset,
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
}

func quote(asset, source string, price string) oracle.Quote {
	return oracle.Quote{
		Asset:     asset,
		Price:     decimal.RequireFromString(price),
		Source:    source,
		FetchedAt: time.Now().UTC(),
	}
}

func newTestEngine(lister StakeLister, resolver PriceResolver, ledger Ledger, store repository.Repository) *Engine {
	return &Engine{
		Stakes:      lister,
		NewResolver: func() PriceResolver { return resolver },
		Ledger:      ledger,
		Store:       store,
		Config: config.SettlementConfig{
			Concurrency:   2,
			RetryCooldown: time.Millisecond,
		},
	}
}

func TestRunOnceResolvesEligibleStakes(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"dogecoin": quote("dogecoin", "coingecko", "0.1234"),
	}}
	ledger := newFakeLedger()
	store := &fakeStore{}
	lister := &fakeLister{stakes: []market.Stake{
		expiredStake(1, "dogecoin"),
		expiredStake(2, "dogecoin"),
	}}
	e := newTestEngine(lister, resolver, ledger, store)

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Eligible != 2 || summary.Resolved != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if resolver.batchCalls != 1 {
		t.Fatalf("expected one batch price call, got %d", resolver.batchCalls)
	}
	if len(resolver.liveCalls) != 0 {
		t.Fatalf("no per-asset fallback expected, got %v", resolver.liveCalls)
	}
	for _, id := range []uint64{1, 2} {
		if !ledger.prices[id].Equal(decimal.RequireFromString("0.1234")) {
			t.Fatalf("stake %d resolved at wrong price %s", id, ledger.prices[id])
		}
	}
	if len(store.passes) != 1 || len(store.outcomes) != 2 {
		t.Fatalf("expected 1 pass and 2 outcome rows, got %d/%d", len(store.passes), len(store.outcomes))
	}
	// Same asset and source: only one snapshot row.
	if len(store.snaps) != 1 {
		t.Fatalf("expected deduplicated snapshot, got %d rows", len(store.snaps))
	}
}

func TestRunOnceNoEligibleStakesIsCleanNoOp(t *testing.T) {
	factoryCalls := 0
	lister := &fakeLister{stakes: []market.Stake{
		{ID: 1, CryptoID: "bitcoin", ExpiresAt: time.Now().Add(time.Hour)},
		{ID: 2, CryptoID: "bitcoin", ExpiresAt: time.Now().Add(-time.Hour), Rewarded: true},
	}}
	store := &fakeStore{}
	e := &Engine{
		Stakes: lister,
		NewResolver: func() PriceResolver {
			factoryCalls++
			return &fakeResolver{}
		},
		Ledger: newFakeLedger(),
		Store:  store,
	}

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Eligible != 0 || summary.Resolved != 0 || summary.Failed != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
	if factoryCalls != 0 {
		t.Fatalf("resolver should not be built when nothing is eligible")
	}
	if len(store.passes) != 1 {
		t.Fatalf("empty pass should still be recorded")
	}
}

func TestRunOncePriceUnavailableDoesNotBlockOthers(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"bitcoin": quote("bitcoin", "chainlink", "65000"),
	}}
	ledger := newFakeLedger()
	lister := &fakeLister{stakes: []market.Stake{
		expiredStake(1, "bitcoin"),
		expiredStake(2, "zcash"),
	}}
	e := newTestEngine(lister, resolver, ledger, &fakeStore{})

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Resolved != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	var zcash *Outcome
	for i := range summary.Outcomes {
		if summary.Outcomes[i].Asset == "zcash" {
			zcash = &summary.Outcomes[i]
		}
	}
	if zcash == nil || zcash.Status != StatusPriceUnavailable {
		t.Fatalf("expected price-unavailable outcome for zcash, got %+v", zcash)
	}
	// The unpriced stake got one live attempt before failing.
	if len(resolver.liveCalls) != 1 || resolver.liveCalls[0] != "zcash" {
		t.Fatalf("expected single live fallback for zcash, got %v", resolver.liveCalls)
	}
	if ledger.calls[2] != 0 {
		t.Fatalf("unpriced stake must never reach the ledger")
	}
}

func TestRunOnceLiveFallbackFillsBatchGap(t *testing.T) {
	resolver := &fakeResolver{
		live: map[string]oracle.Quote{
			"ethereum": quote("ethereum", "coingecko", "3200.50"),
		},
	}
	ledger := newFakeLedger()
	lister := &fakeLister{stakes: []market.Stake{expiredStake(9, "ethereum")}}
	e := newTestEngine(lister, resolver, ledger, nil)

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Resolved != 1 {
		t.Fatalf("expected resolution via live fallback, got %+v", summary)
	}
	if !ledger.prices[9].Equal(decimal.RequireFromString("3200.50")) {
		t.Fatalf("wrong price submitted: %s", ledger.prices[9])
	}
}

func TestRunOnceAlreadyResolvedIsBenign(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"bitcoin": quote("bitcoin", "chainlink", "65000"),
	}}
	ledger := newFakeLedger()
	ledger.errs[1] = []error{fmt.Errorf("%w: execution reverted", chain.ErrAlreadyResolved)}
	lister := &fakeLister{stakes: []market.Stake{expiredStake(1, "bitcoin")}}
	e := newTestEngine(lister, resolver, ledger, &fakeStore{})

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Skipped != 1 || summary.Failed != 0 || summary.Resolved != 0 {
		t.Fatalf("already-resolved must count as skipped, got %+v", summary)
	}
	// Not transient: no retry.
	if ledger.calls[1] != 1 {
		t.Fatalf("expected single submit attempt, got %d", ledger.calls[1])
	}
}

func TestRunOnceTransientSubmitRetriesOnce(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"bitcoin": quote("bitcoin", "chainlink", "65000"),
	}}
	ledger := newFakeLedger()
	ledger.errs[1] = []error{errors.New("429 too many requests")}
	lister := &fakeLister{stakes: []market.Stake{expiredStake(1, "bitcoin")}}
	e := newTestEngine(lister, resolver, ledger, nil)

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Resolved != 1 {
		t.Fatalf("expected success after retry, got %+v", summary)
	}
	if ledger.calls[1] != 2 {
		t.Fatalf("expected 2 submit attempts, got %d", ledger.calls[1])
	}
}

func TestRunOnceTransientExhaustionIsRateLimited(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"bitcoin": quote("bitcoin", "chainlink", "65000"),
	}}
	ledger := newFakeLedger()
	ledger.errs[1] = []error{
		errors.New("rate limit exceeded"),
		errors.New("rate limit exceeded"),
	}
	lister := &fakeLister{stakes: []market.Stake{expiredStake(1, "bitcoin")}}
	e := newTestEngine(lister, resolver, ledger, nil)

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected one failed stake, got %+v", summary)
	}
	if got := summary.Outcomes[0].Status; got != StatusRateLimited {
		t.Fatalf("expected rate-limited status, got %s", got)
	}
	if ledger.calls[1] != 2 {
		t.Fatalf("expected 2 submit attempts, got %d", ledger.calls[1])
	}
}

func TestRunOnceSubmissionFailureIsIsolated(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"bitcoin":  quote("bitcoin", "chainlink", "65000"),
		"dogecoin": quote("dogecoin", "coingecko", "0.1"),
	}}
	ledger := newFakeLedger()
	ledger.errs[1] = []error{errors.New("insufficient funds for gas")}
	lister := &fakeLister{stakes: []market.Stake{
		expiredStake(1, "bitcoin"),
		expiredStake(2, "dogecoin"),
	}}
	e := newTestEngine(lister, resolver, ledger, nil)

	summary, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.Resolved != 1 || summary.Failed != 1 {
		t.Fatalf("one failure must not block the other stake: %+v", summary)
	}
	for _, o := range summary.Outcomes {
		if o.StakeID == 1 && o.Status != StatusSubmissionFailed {
			t.Fatalf("expected submission-failed for stake 1, got %s", o.Status)
		}
		if o.StakeID == 2 && o.Status != StatusResolved {
			t.Fatalf("expected resolved for stake 2, got %s", o.Status)
		}
	}
	// Contract rejection is not transient: single attempt only.
	if ledger.calls[1] != 1 {
		t.Fatalf("expected single submit attempt for stake 1, got %d", ledger.calls[1])
	}
}

func TestRunOnceListErrorAbortsPass(t *testing.T) {
	listErr := errors.New("rpc: connection refused")
	store := &fakeStore{}
	e := &Engine{
		Stakes:      &fakeLister{err: listErr},
		NewResolver: func() PriceResolver { return &fakeResolver{} },
		Ledger:      newFakeLedger(),
		Store:       store,
	}

	_, err := e.RunOnce(context.Background(), "test")
	if !errors.Is(err, listErr) {
		t.Fatalf("expected list error, got %v", err)
	}
	if len(store.passes) != 1 || store.passes[0].Error == nil {
		t.Fatalf("aborted pass should be recorded with its error")
	}
}

func TestRunOnceIdempotentSecondPass(t *testing.T) {
	resolver := &fakeResolver{batch: map[string]oracle.Quote{
		"bitcoin": quote("bitcoin", "chainlink", "65000"),
	}}
	ledger := newFakeLedger()
	lister := &fakeLister{stakes: []market.Stake{expiredStake(1, "bitcoin")}}
	e := newTestEngine(lister, resolver, ledger, nil)

	first, err := e.RunOnce(context.Background(), "test")
	if err != nil || first.Resolved != 1 {
		t.Fatalf("first pass: %+v err=%v", first, err)
	}

	// The ledger now reports the stake as rewarded; the second pass finds
	// nothing eligible and touches neither oracle nor chain.
	lister.stakes[0].Rewarded = true
	before := ledger.calls[1]
	second, err := e.RunOnce(context.Background(), "test")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Eligible != 0 || second.Resolved != 0 || second.Failed != 0 {
		t.Fatalf("second pass should be a no-op: %+v", second)
	}
	if ledger.calls[1] != before {
		t.Fatalf("second pass must not resubmit")
	}
}

// atMostOnceLedger mimics the contract's own guarantee: the first resolution
// of a stake confirms, every later one reverts with the fixed reason.
type atMostOnceLedger struct {
	mu       sync.Mutex
	resolved map[uint64]bool
	confirms map[uint64]int
}

func (l *atMostOnceLedger) ResolveStake(ctx context.Context, stakeID uint64, actualPrice decimal.Decimal) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved[stakeID] {
		return common.Hash{}, fmt.Errorf("%w: execution reverted", chain.ErrAlreadyResolved)
	}
	l.resolved[stakeID] = true
	l.confirms[stakeID]++
	return common.HexToHash(fmt.Sprintf("0x%064x", stakeID)), nil
}

func TestRunOnceConcurrentPassesResolveExactlyOnce(t *testing.T) {
	ledger := &atMostOnceLedger{
		resolved: map[uint64]bool{},
		confirms: map[uint64]int{},
	}
	lister := &fakeLister{stakes: []market.Stake{
		expiredStake(1, "bitcoin"),
		expiredStake(2, "dogecoin"),
	}}
	newEngine := func() *Engine {
		resolver := &fakeResolver{batch: map[string]oracle.Quote{
			"bitcoin":  quote("bitcoin", "chainlink", "65000"),
			"dogecoin": quote("dogecoin", "coingecko", "0.12"),
		}}
		return newTestEngine(lister, resolver, ledger, &fakeStore{})
	}

	summaries := make([]Summary, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := newEngine().RunOnce(context.Background(), "test")
			if err != nil {
				t.Errorf("RunOnce: %v", err)
			}
			summaries[i] = s
		}()
	}
	wg.Wait()

	for _, id := range []uint64{1, 2} {
		if ledger.confirms[id] != 1 {
			t.Fatalf("stake %d confirmed %d times, want exactly 1", id, ledger.confirms[id])
		}
	}
	var resolved, skipped, failed int
	for _, s := range summaries {
		resolved += s.Resolved
		skipped += s.Skipped
		failed += s.Failed
	}
	if failed != 0 {
		t.Fatalf("losing a resolution race must not count as failure: %+v", summaries)
	}
	if resolved+skipped != 4 {
		t.Fatalf("every outcome should be resolved or already-resolved: %+v", summaries)
	}
	if resolved != 2 {
		t.Fatalf("expected 2 confirmed resolutions across both passes, got %d", resolved)
	}
	if skipped != 2 {
		t.Fatalf("expected the race losers to record already-resolved, got %d", skipped)
	}
}

func TestIsTransientSubmit(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rate limit exceeded"), true},
		{errors.New("429 Too Many Requests"), true},
		{&oracle.RateLimitError{RetryAfter: time.Second}, true},
		{fmt.Errorf("%w: already rewarded", chain.ErrAlreadyResolved), false},
		{errors.New("execution reverted"), false},
	}
	for _, tc := range cases {
		if got := isTransientSubmit(tc.err); got != tc.want {
			t.Fatalf("isTransientSubmit(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
