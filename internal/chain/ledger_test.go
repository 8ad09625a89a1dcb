package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"predictstake/internal/config"
	"predictstake/internal/market"
)

func TestScaledRoundTrip(t *testing.T) {
	cases := []string{"0", "1", "0.1234", "65000.5", "0.000000000000000001"}
	for _, raw := range cases {
		d := decimal.RequireFromString(raw)
		got := FromScaled(ToScaled(d))
		if !got.Equal(d) {
			t.Fatalf("round trip %s -> %s", raw, got)
		}
	}
}

func TestFromScaledNil(t *testing.T) {
	if !FromScaled(nil).IsZero() {
		t.Fatalf("nil should scale to zero")
	}
}

func TestToScaledTruncatesBelowOneWei(t *testing.T) {
	d := decimal.RequireFromString("0.0000000000000000019")
	if got := ToScaled(d); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("expected 1, got %s", got)
	}
}

func TestNormalizeStake(t *testing.T) {
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	expires := created.Add(24 * time.Hour)
	raw := rawStake{
		Id:             big.NewInt(42),
		CryptoId:       "bitcoin",
		CreatedAt:      big.NewInt(created.Unix()),
		ExpiresAt:      big.NewInt(expires.Unix()),
		CurrentPrice:   ToScaled(decimal.RequireFromString("60000")),
		PredictedPrice: ToScaled(decimal.RequireFromString("66000")),
		StakeUp:        true,
		PercentChange:  big.NewInt(1000),
		ActualPrice:    big.NewInt(0),
		LibraryId:      big.NewInt(7),
	}

	s := normalizeStake(raw)
	if s.ID != 42 || s.CryptoID != "bitcoin" {
		t.Fatalf("identity fields wrong: %+v", s)
	}
	if !s.ExpiresAt.Equal(expires) {
		t.Fatalf("expires %s, want %s", s.ExpiresAt, expires)
	}
	if s.Direction != market.DirectionUp {
		t.Fatalf("direction %s", s.Direction)
	}
	if !s.PredictedPrice.Equal(decimal.RequireFromString("66000")) {
		t.Fatalf("predicted price %s", s.PredictedPrice)
	}
	if s.LibraryID == nil || *s.LibraryID != 7 {
		t.Fatalf("library id not mapped")
	}
}

func TestNormalizeStakeZeroLibraryID(t *testing.T) {
	raw := rawStake{
		Id: big.NewInt(1), CryptoId: "bitcoin",
		CreatedAt: big.NewInt(0), ExpiresAt: big.NewInt(0),
		CurrentPrice: big.NewInt(0), PredictedPrice: big.NewInt(0),
		PercentChange: big.NewInt(0), ActualPrice: big.NewInt(0),
		LibraryId: big.NewInt(0),
	}
	if normalizeStake(raw).LibraryID != nil {
		t.Fatalf("zero library id should map to nil")
	}
}

// revertErr mimics a JSON-RPC error that carries raw revert data.
type revertErr struct {
	msg  string
	data string
}

func (e *revertErr) Error() string  { return e.msg }
func (e *revertErr) ErrorData() any { return e.data }

func packRevert(t *testing.T, reason string) string {
	t.Helper()
	strT, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: strT}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	// Standard Error(string) selector.
	return "0x08c379a0" + common.Bytes2Hex(packed)
}

// stuckEVM simulates a node that accepts the transaction but never mines it;
// view calls block until the caller's deadline expires.
type stuckEVM struct{}

func (stuckEVM) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return []byte{}, nil
}

func (stuckEVM) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 1, nil
}

func (stuckEVM) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (stuckEVM) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return nil
}

func (stuckEVM) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

type blockedCaller struct {
	stuckEVM
}

func (blockedCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testLedger(t *testing.T, client EVMClient, cfg config.ChainConfig) *Ledger {
	t.Helper()
	t.Setenv("TEST_SETTLER_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	cfg.LedgerAddress = "0x000000000000000000000000000000000000dEaD"
	cfg.ChainID = 56
	cfg.PrivateKeyEnv = "TEST_SETTLER_KEY"
	l, err := NewLedger(client, cfg, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestResolveStakeBoundedByTxTimeout(t *testing.T) {
	l := testLedger(t, stuckEVM{}, config.ChainConfig{
		TxTimeout:   60 * time.Millisecond,
		ReceiptPoll: 10 * time.Millisecond,
	})

	start := time.Now()
	_, err := l.ResolveStake(context.Background(), 1, decimal.RequireFromString("65000"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for unmined transaction, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("unconfirmed submission waited %s, tx timeout is 60ms", elapsed)
	}
}

func TestViewCallsBoundedByCallTimeout(t *testing.T) {
	l := testLedger(t, blockedCaller{}, config.ChainConfig{
		CallTimeout: 30 * time.Millisecond,
	})

	_, _, err := l.GetAllStakes(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for blocked view call, got %v", err)
	}
}

func TestClassifyRevertAlreadyRewarded(t *testing.T) {
	err := classifyRevert(&revertErr{
		msg:  "execution reverted",
		data: packRevert(t, "Stake already rewarded"),
	})
	if !IsAlreadyResolved(err) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestClassifyRevertMessageFallback(t *testing.T) {
	err := classifyRevert(errors.New("execution reverted: stake already rewarded"))
	if !IsAlreadyResolved(err) {
		t.Fatalf("plain message should still classify, got %v", err)
	}
}

func TestClassifyRevertOtherReasonsPassThrough(t *testing.T) {
	orig := errors.New("execution reverted: not expired yet")
	if err := classifyRevert(orig); err != orig {
		t.Fatalf("unrelated revert must pass through, got %v", err)
	}
	if IsAlreadyResolved(orig) {
		t.Fatalf("unrelated revert must not classify as resolved")
	}
	if classifyRevert(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}
