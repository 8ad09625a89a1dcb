package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictstake/internal/chain"
	"predictstake/internal/config"
)

const aggregatorABIJSON = `[
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"roundId","type":"uint80"},
    {"name":"answer","type":"int256"},
    {"name":"startedAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"answeredInRound","type":"uint80"}
  ]}
]`

// ChainlinkSource reads AggregatorV3 feeds directly. It only covers assets
// with a feed registered for the current network, and it carries no rate
// limit, so it sits first in the resolver's source order.
type ChainlinkSource struct {
	client chain.Caller
	abi    abi.ABI
	feeds  map[string]common.Address
	logger *zap.Logger

	mu       sync.Mutex
	decimals map[common.Address]int32
}

func NewChainlinkSource(client chain.Caller, cfg config.ChainlinkConfig, network string, logger *zap.Logger) (*ChainlinkSource, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	feeds := map[string]common.Address{}
	for asset, addr := range cfg.Feeds[network] {
		if common.IsHexAddress(addr) {
			feeds[strings.ToLower(strings.TrimSpace(asset))] = common.HexToAddress(addr)
		}
	}
	return &ChainlinkSource{
		client:   client,
		abi:      parsed,
		feeds:    feeds,
		logger:   logger,
		decimals: map[common.Address]int32{},
	}, nil
}

func (s *ChainlinkSource) Name() string { return "chainlink" }

func (s *ChainlinkSource) Supports(asset string) bool {
	if s == nil {
		return false
	}
	_, ok := s.feeds[strings.ToLower(strings.TrimSpace(asset))]
	return ok
}

// FetchBatch loops per asset; aggregator feeds have no batch entry point.
// Assets whose feed read fails are left out of the result rather than
// failing the batch.
func (s *ChainlinkSource) FetchBatch(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	for _, asset := range assets {
		feed, ok := s.feeds[strings.ToLower(strings.TrimSpace(asset))]
		if !ok {
			continue
		}
		price, err := s.readFeed(ctx, feed)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("chainlink feed read failed",
					zap.String("asset", asset),
					zap.String("feed", feed.Hex()),
					zap.Error(err),
				)
			}
			continue
		}
		out[asset] = price
	}
	return out, nil
}

func (s *ChainlinkSource) readFeed(ctx context.Context, feed common.Address) (decimal.Decimal, error) {
	dec, err := s.feedDecimals(ctx, feed)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := s.abi.Pack("latestRoundData")
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := s.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return decimal.Zero, err
	}
	answer := *abi.ConvertType(res[1], new(*big.Int)).(**big.Int)
	if answer == nil || answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("feed %s returned non-positive answer", feed.Hex())
	}
	return decimal.NewFromBigInt(answer, -dec), nil
}

func (s *ChainlinkSource) feedDecimals(ctx context.Context, feed common.Address) (int32, error) {
	s.mu.Lock()
	dec, ok := s.decimals[feed]
	s.mu.Unlock()
	if ok {
		return dec, nil
	}
	data, err := s.abi.Pack("decimals")
	if err != nil {
		return 0, err
	}
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	res, err := s.abi.Unpack("decimals", raw)
	if err != nil {
		return 0, err
	}
	dec = int32(*abi.ConvertType(res[0], new(uint8)).(*uint8))
	s.mu.Lock()
	s.decimals[feed] = dec
	s.mu.Unlock()
	return dec, nil
}
