package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictstake/internal/chain"
	"predictstake/internal/config"
)

const feedRegistryABIJSON = `[
  {"name":"latestAnswers","type":"function","stateMutability":"view","inputs":[
    {"name":"feedIds","type":"bytes32[]"}
  ],"outputs":[
    {"name":"answers","type":"int256[]"}
  ]}
]`

// Registry answers are 8-decimal scaled, matching the aggregator convention.
const registryAnswerDecimals = 8

// BinanceFeedSource reads the secondary on-chain feed registry. Unlike the
// aggregator feeds it prices many assets in one round trip, so the resolver
// prefers it in batch mode for assets the primary feeds do not cover.
type BinanceFeedSource struct {
	client   chain.Caller
	abi      abi.ABI
	registry common.Address
	feedIDs  map[string]common.Hash
	logger   *zap.Logger
}

func NewBinanceFeedSource(client chain.Caller, cfg config.BinanceFeedConfig, network string, logger *zap.Logger) (*BinanceFeedSource, error) {
	parsed, err := abi.JSON(strings.NewReader(feedRegistryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse feed registry abi: %w", err)
	}
	s := &BinanceFeedSource{
		client:  client,
		abi:     parsed,
		feedIDs: map[string]common.Hash{},
		logger:  logger,
	}
	if addr := strings.TrimSpace(cfg.RegistryAddress); common.IsHexAddress(addr) {
		s.registry = common.HexToAddress(addr)
	}
	for asset, id := range cfg.FeedIDs[network] {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		s.feedIDs[strings.ToLower(strings.TrimSpace(asset))] = common.HexToHash(trimmed)
	}
	return s, nil
}

func (s *BinanceFeedSource) Name() string { return "binance_feed" }

func (s *BinanceFeedSource) Supports(asset string) bool {
	if s == nil || s.registry == (common.Address{}) {
		return false
	}
	_, ok := s.feedIDs[strings.ToLower(strings.TrimSpace(asset))]
	return ok
}

func (s *BinanceFeedSource) FetchBatch(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	ordered := make([]string, 0, len(assets))
	ids := make([][32]byte, 0, len(assets))
	for _, asset := range assets {
		id, ok := s.feedIDs[strings.ToLower(strings.TrimSpace(asset))]
		if !ok {
			continue
		}
		ordered = append(ordered, asset)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	data, err := s.abi.Pack("latestAnswers", ids)
	if err != nil {
		return nil, fmt.Errorf("pack latestAnswers: %w", err)
	}
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.registry, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call latestAnswers: %w", err)
	}
	res, err := s.abi.Unpack("latestAnswers", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack latestAnswers: %w", err)
	}
	answers := *abi.ConvertType(res[0], new([]*big.Int)).(*[]*big.Int)
	if len(answers) != len(ordered) {
		return nil, fmt.Errorf("registry returned %d answers for %d feeds", len(answers), len(ordered))
	}

	out := make(map[string]decimal.Decimal, len(ordered))
	for i, asset := range ordered {
		answer := answers[i]
		if answer == nil || answer.Sign() <= 0 {
			// Unregistered or stale feed slot; leave the asset for fallback.
			if s.logger != nil {
				s.logger.Debug("registry answer empty", zap.String("asset", asset))
			}
			continue
		}
		out[asset] = decimal.NewFromBigInt(answer, -registryAnswerDecimals)
	}
	return out, nil
}
