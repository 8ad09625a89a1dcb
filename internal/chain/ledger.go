package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictstake/internal/config"
	"predictstake/internal/market"
)

// ErrAlreadyResolved marks the benign race: some other settlement pass got
// its resolution confirmed first. The contract reverts with a fixed reason
// string for this case, distinct from every other failure.
var ErrAlreadyResolved = errors.New("stake already rewarded")

// ErrNoSigner is returned by ResolveStake when the ledger was constructed
// without a settlement key.
var ErrNoSigner = errors.New("no settlement key configured")

const ledgerABIJSON = `[
  {"name":"getAllStakes","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"stakes","type":"tuple[]","components":[
      {"name":"id","type":"uint256"},
      {"name":"cryptoId","type":"string"},
      {"name":"createdAt","type":"uint256"},
      {"name":"expiresAt","type":"uint256"},
      {"name":"currentPrice","type":"uint256"},
      {"name":"predictedPrice","type":"uint256"},
      {"name":"stakeUp","type":"bool"},
      {"name":"percentChange","type":"uint256"},
      {"name":"rewarded","type":"bool"},
      {"name":"predictionCorrect","type":"bool"},
      {"name":"actualPrice","type":"uint256"},
      {"name":"libraryId","type":"uint256"}
    ]},
    {"name":"totalStakes","type":"uint256"},
    {"name":"totalAmountStaked","type":"uint256"}
  ]},
  {"name":"getStakers","type":"function","stateMutability":"view","inputs":[
    {"name":"stakeId","type":"uint256"}
  ],"outputs":[
    {"name":"stakers","type":"tuple[]","components":[
      {"name":"id","type":"uint256"},
      {"name":"wallet","type":"address"},
      {"name":"stakeId","type":"uint256"},
      {"name":"amountInBNB","type":"uint256"},
      {"name":"stakeUp","type":"bool"},
      {"name":"rewarded","type":"bool"}
    ]}
  ]},
  {"name":"resolveStake","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"stakeId","type":"uint256"},
    {"name":"actualPrice","type":"uint256"}
  ],"outputs":[]}
]`

type rawStake struct {
	Id                *big.Int
	CryptoId          string
	CreatedAt         *big.Int
	ExpiresAt         *big.Int
	CurrentPrice      *big.Int
	PredictedPrice    *big.Int
	StakeUp           bool
	PercentChange     *big.Int
	Rewarded          bool
	PredictionCorrect bool
	ActualPrice       *big.Int
	LibraryId         *big.Int
}

type rawStaker struct {
	Id          *big.Int
	Wallet      common.Address
	StakeId     *big.Int
	AmountInBNB *big.Int
	StakeUp     bool
	Rewarded    bool
}

// StakeTotals are the contract-tracked aggregates returned alongside the
// stake list. They exist only to be cross-checked against the folded pools.
type StakeTotals struct {
	TotalStakes       uint64
	TotalAmountStaked decimal.Decimal
}

// Ledger is the adapter over the prediction-market contract: read the stake
// book, read stakers, submit resolutions. Reward computation and payout
// transfers happen inside the contract.
type Ledger struct {
	client      EVMClient
	address     common.Address
	abi         abi.ABI
	chainID     *big.Int
	key         *ecdsa.PrivateKey
	from        common.Address
	gasLimit    uint64
	receiptPoll time.Duration
	callTimeout time.Duration
	txTimeout   time.Duration
	logger      *zap.Logger
}

func NewLedger(client EVMClient, cfg config.ChainConfig, logger *zap.Logger) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	addr := strings.TrimSpace(cfg.LedgerAddress)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid ledger address %q", addr)
	}
	parsed, err := abi.JSON(strings.NewReader(ledgerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse ledger abi: %w", err)
	}
	l := &Ledger{
		client:      client,
		address:     common.HexToAddress(addr),
		abi:         parsed,
		chainID:     big.NewInt(cfg.ChainID),
		gasLimit:    cfg.GasLimit,
		receiptPoll: cfg.ReceiptPoll,
		callTimeout: cfg.CallTimeout,
		txTimeout:   cfg.TxTimeout,
		logger:      logger,
	}
	if l.gasLimit == 0 {
		l.gasLimit = 1500000
	}
	if l.receiptPoll <= 0 {
		l.receiptPoll = 3 * time.Second
	}
	if l.callTimeout <= 0 {
		l.callTimeout = 15 * time.Second
	}
	if l.txTimeout <= 0 {
		l.txTimeout = 2 * time.Minute
	}
	if keyEnv := strings.TrimSpace(cfg.PrivateKeyEnv); keyEnv != "" {
		if keyHex := strings.TrimSpace(os.Getenv(keyEnv)); keyHex != "" {
			key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				return nil, fmt.Errorf("parse settlement key from %s: %w", keyEnv, err)
			}
			l.key = key
			l.from = gethcrypto.PubkeyToAddress(key.PublicKey)
		}
	}
	return l, nil
}

// From returns the settler address, or the zero address in read-only mode.
func (l *Ledger) From() common.Address {
	return l.from
}

func (l *Ledger) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	res, err := l.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return res, nil
}

// GetAllStakes reads the full stake book. Stakers are not materialized here;
// the stakes repository joins them per stake.
func (l *Ledger) GetAllStakes(ctx context.Context) ([]market.Stake, StakeTotals, error) {
	out, err := l.call(ctx, "getAllStakes")
	if err != nil {
		return nil, StakeTotals{}, err
	}
	raw := *abi.ConvertType(out[0], new([]rawStake)).(*[]rawStake)
	totalStakes := *abi.ConvertType(out[1], new(*big.Int)).(**big.Int)
	totalAmount := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)

	stakes := make([]market.Stake, 0, len(raw))
	for _, r := range raw {
		stakes = append(stakes, normalizeStake(r))
	}
	totals := StakeTotals{
		TotalStakes:       totalStakes.Uint64(),
		TotalAmountStaked: FromScaled(totalAmount),
	}
	return stakes, totals, nil
}

func (l *Ledger) GetStakers(ctx context.Context, stakeID uint64) ([]market.Staker, error) {
	out, err := l.call(ctx, "getStakers", new(big.Int).SetUint64(stakeID))
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]rawStaker)).(*[]rawStaker)
	stakers := make([]market.Staker, 0, len(raw))
	for _, r := range raw {
		stakers = append(stakers, market.Staker{
			ID:          r.Id.Uint64(),
			Wallet:      r.Wallet.Hex(),
			StakeID:     r.StakeId.Uint64(),
			AmountInBNB: FromScaled(r.AmountInBNB),
			StakeUp:     r.StakeUp,
			Rewarded:    r.Rewarded,
		})
	}
	return stakers, nil
}

// ResolveStake submits resolveStake(stakeId, actualPrice) and waits for the
// receipt, bounded by the configured transaction timeout. The call is
// simulated first so that an "already rewarded" revert is caught before any
// gas is spent.
func (l *Ledger) ResolveStake(ctx context.Context, stakeID uint64, actualPrice decimal.Decimal) (common.Hash, error) {
	if l.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	ctx, cancel := context.WithTimeout(ctx, l.txTimeout)
	defer cancel()
	data, err := l.abi.Pack("resolveStake", new(big.Int).SetUint64(stakeID), ToScaled(actualPrice))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack resolveStake: %w", err)
	}

	_, err = l.client.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &l.address, Data: data}, nil)
	if err != nil {
		return common.Hash{}, classifyRevert(err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &l.address,
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign resolveStake: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classifyRevert(err)
	}
	txHash := signed.Hash()
	if l.logger != nil {
		l.logger.Debug("resolution submitted",
			zap.Uint64("stake_id", stakeID),
			zap.String("tx", txHash.Hex()),
		)
	}

	receipt, err := l.waitReceipt(ctx, txHash)
	if err != nil {
		return txHash, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		// Re-simulate at the failing block: if another pass won the race
		// between our pre-flight and mining, this surfaces the revert reason.
		_, simErr := l.client.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &l.address, Data: data}, receipt.BlockNumber)
		if simErr != nil {
			return txHash, classifyRevert(simErr)
		}
		return txHash, fmt.Errorf("transaction %s reverted", txHash.Hex())
	}
	return txHash, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	t := time.NewTicker(l.receiptPoll)
	defer t.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s unconfirmed: %w", txHash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}

func normalizeStake(r rawStake) market.Stake {
	direction := market.DirectionDown
	if r.StakeUp {
		direction = market.DirectionUp
	}
	s := market.Stake{
		ID:                r.Id.Uint64(),
		CryptoID:          r.CryptoId,
		CreatedAt:         time.Unix(r.CreatedAt.Int64(), 0).UTC(),
		ExpiresAt:         time.Unix(r.ExpiresAt.Int64(), 0).UTC(),
		CurrentPrice:      FromScaled(r.CurrentPrice),
		PredictedPrice:    FromScaled(r.PredictedPrice),
		Direction:         direction,
		PercentChange:     r.PercentChange.Int64(),
		Rewarded:          r.Rewarded,
		PredictionCorrect: r.PredictionCorrect,
		ActualPrice:       FromScaled(r.ActualPrice),
	}
	if r.LibraryId != nil && r.LibraryId.Sign() > 0 {
		id := r.LibraryId.Uint64()
		s.LibraryID = &id
	}
	return s
}

// classifyRevert maps the contract's fixed "already rewarded" revert reason
// to ErrAlreadyResolved. Any other failure stays as-is: callers treat it as
// non-benign and rely on the next pass's re-eligibility check.
func classifyRevert(err error) error {
	if err == nil {
		return nil
	}
	reason := err.Error()
	if data, ok := errorData(err); ok {
		if unpacked, uerr := abi.UnpackRevert(data); uerr == nil {
			reason = unpacked
		}
	}
	if strings.Contains(strings.ToLower(reason), "already rewarded") {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, reason)
	}
	return err
}

// errorData pulls raw revert bytes out of a JSON-RPC error when present.
func errorData(err error) ([]byte, bool) {
	var de interface{ ErrorData() any }
	if !errors.As(err, &de) {
		return nil, false
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok || hexStr == "" {
		return nil, false
	}
	return common.FromHex(hexStr), true
}

func IsAlreadyResolved(err error) bool {
	return errors.Is(err, ErrAlreadyResolved)
}
