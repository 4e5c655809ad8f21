package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/suslonov/mev-price-monitor/chain"
)

// PairSource resolves the (token0, token1) of a pool contract. The boolean is
// false when the pool's metadata is unavailable; its events are then skipped.
type PairSource interface {
	PairTokens(ctx context.Context, address common.Address, kind chain.Kind) (chain.TokenPair, bool)
}

// SaldoEngine replays a block's decoded logs into per-bundle token balance
// deltas, capital requirements, observed rates and feature counters.
type SaldoEngine struct {
	pairs    PairSource
	registry *Registry
}

// NewSaldoEngine wires the engine's collaborators.
func NewSaldoEngine(pairs PairSource, registry *Registry) *SaldoEngine {
	return &SaldoEngine{pairs: pairs, registry: registry}
}

// Process decodes every relevant event of the block result and mutates its
// bundles in place. Events of unknown pools and malformed events are skipped;
// the bundle continues without them.
func (s *SaldoEngine) Process(ctx context.Context, result *BlockResult) {
	txByHash := make(map[string]*BundleTx, len(result.Transactions))
	for _, tx := range result.Transactions {
		txByHash[tx.Hash] = tx
	}
	bundles := make(map[PairKey]*Bundle, len(result.Bundles))
	for _, b := range result.Bundles {
		bundles[b.Key()] = b
	}

	for _, e := range result.Events {
		if len(e.Topics) == 0 {
			continue
		}
		sig := e.Topics[0]
		switch sig {
		case TopicTransfer, TopicWithdraw, TopicDeposit, TopicUniswapV2,
			TopicUniswapV3, TopicPancakeV3, TopicMint, TopicCollect:
		default:
			continue
		}
		tx, ok := txByHash[e.TxHash]
		if !ok {
			continue
		}
		bundle, ok := bundles[PairKey{From: s.registry.Anonymize(tx.From, tx.To), To: tx.To}]
		if !ok {
			continue
		}
		s.apply(ctx, sig, e, tx, bundle)
		metricsEventDecoded()
	}
}

func (s *SaldoEngine) apply(ctx context.Context, sig string, e *Event, tx *BundleTx, bundle *Bundle) {
	switch sig {
	case TopicTransfer:
		s.applyTransfer(e, tx, bundle)
	case TopicWithdraw:
		s.applyUnwrap(e, tx, bundle, false)
	case TopicDeposit:
		s.applyUnwrap(e, tx, bundle, true)
	case TopicUniswapV2:
		s.applySwapV2(ctx, e, tx, bundle)
	case TopicUniswapV3, TopicPancakeV3:
		s.applySwapV3(ctx, sig, e, tx, bundle)
	case TopicMint:
		s.applyLiquidity(ctx, e, tx, bundle, 2, 3, -1)
	case TopicCollect:
		s.applyLiquidity(ctx, e, tx, bundle, 1, 2, +1)
	}
}

// applyTransfer handles the two ERC-20 Transfer special cases: zero-address
// mint/burn counts as NFT churn, and a transfer into the emitting contract
// itself is the token-tax pattern draining the attacker's balance. All other
// transfers do not move the bundle's saldo.
func (s *SaldoEngine) applyTransfer(e *Event, tx *BundleTx, bundle *Bundle) {
	bundle.initProperties()

	if len(e.Topics) >= 3 {
		if e.Topics[1] == zeroTopic || e.Topics[2] == zeroTopic {
			bundle.MintBurnNFT++
		} else if topicSuffix(e.Topics[2]) == addressSuffix(e.Address) {
			token := e.Address
			if value, ok := tokenAmount(e.Data, 0, token); ok {
				bundle.addTokens(token)
				bundle.Saldo[token] -= value
				bundle.trackCapital(token)
			}
		}
	}
	bundle.chargeGas(tx)
}

// applyUnwrap handles WETH Deposit (wrap) and Withdrawal (unwrap): the amount
// moves between the WETH balance and native ether. Some wrappers emit the
// amount in the data word, others in the third topic.
func (s *SaldoEngine) applyUnwrap(e *Event, tx *BundleTx, bundle *Bundle, wrap bool) {
	bundle.initProperties()
	bundle.addTokens(WETH)

	amount, ok := tokenAmount(e.Data, 0, WETH)
	if !ok && len(e.Topics) > 2 {
		amount, ok = topicAmount(e.Topics[2], WETH)
	}
	if ok {
		if wrap {
			bundle.Saldo[WETH] += amount
			bundle.Saldo[ETH] -= amount
		} else {
			bundle.Saldo[WETH] -= amount
			bundle.Saldo[ETH] += amount
		}
		bundle.trackCapital(WETH, ETH)
	}
	bundle.chargeGas(tx)
}

// applySwapV2 decodes a Uniswap V2 Swap: data words are amount0In, amount1In,
// amount0Out, amount1Out.
func (s *SaldoEngine) applySwapV2(ctx context.Context, e *Event, tx *BundleTx, bundle *Bundle) {
	pair, ok := s.pairs.PairTokens(ctx, common.HexToAddress(e.Address), chain.KindPair)
	if !ok {
		return
	}
	token0, token1 := TokenKey(pair.Token0), TokenKey(pair.Token1)

	amount0In, ok0 := word(e.Data, 0)
	amount1In, ok1 := word(e.Data, 1)
	amount0Out, ok2 := word(e.Data, 2)
	amount1Out, ok3 := word(e.Data, 3)
	if !ok0 || !ok1 || !ok2 || !ok3 {
		log.Debug("short swap event data", "tx", e.TxHash, "pool", e.Address)
		return
	}

	bundle.initProperties(token0, token1)
	bundle.UniswapV2++
	bundle.addTokens(token0, token1)
	bundle.chargeGas(tx)

	in0, _ := tokenAmount(e.Data, 0, token0)
	in1, _ := tokenAmount(e.Data, 1, token1)
	out0, _ := tokenAmount(e.Data, 2, token0)
	out1, _ := tokenAmount(e.Data, 3, token1)
	bundle.Saldo[token0] += out0 - in0
	bundle.Saldo[token1] += out1 - in1

	bundle.updateRate(token0, token1,
		new(big.Int).Add(amount1In, amount1Out),
		new(big.Int).Add(amount0In, amount0Out))
	bundle.trackCapital(token0, token1)
}

// applySwapV3 decodes a Uniswap V3 or PancakeSwap V3 Swap: two signed 256-bit
// pool deltas; the attacker's flow is their negation.
func (s *SaldoEngine) applySwapV3(ctx context.Context, sig string, e *Event, tx *BundleTx, bundle *Bundle) {
	kind := chain.KindPool
	if sig == TopicPancakeV3 {
		kind = chain.KindUnknown
	}
	pair, ok := s.pairs.PairTokens(ctx, common.HexToAddress(e.Address), kind)
	if !ok {
		return
	}
	token0, token1 := TokenKey(pair.Token0), TokenKey(pair.Token1)

	amount0, ok0 := signedWord(e.Data, 0)
	amount1, ok1 := signedWord(e.Data, 1)
	if !ok0 || !ok1 {
		log.Debug("short swap event data", "tx", e.TxHash, "pool", e.Address)
		return
	}

	bundle.initProperties(token0, token1)
	if sig == TopicPancakeV3 {
		bundle.PancakeV3++
	} else {
		bundle.UniswapV3++
	}
	bundle.addTokens(token0, token1, WETH)
	bundle.chargeGas(tx)

	delta0, _ := signedTokenAmount(e.Data, 0, token0)
	delta1, _ := signedTokenAmount(e.Data, 1, token1)
	bundle.Saldo[token0] -= delta0
	bundle.Saldo[token1] -= delta1

	bundle.updateRate(token0, token1, amount1, amount0)
	bundle.trackCapital(token0, token1)
}

// applyLiquidity decodes V3 Mint (tokens paid into the position) and Collect
// (tokens received back); word0/word1 select the amount0/amount1 data words.
func (s *SaldoEngine) applyLiquidity(ctx context.Context, e *Event, tx *BundleTx, bundle *Bundle, word0, word1 int, direction float64) {
	pair, ok := s.pairs.PairTokens(ctx, common.HexToAddress(e.Address), chain.KindPool)
	if !ok {
		return
	}
	token0, token1 := TokenKey(pair.Token0), TokenKey(pair.Token1)

	amount0, ok0 := tokenAmount(e.Data, word0, token0)
	amount1, ok1 := tokenAmount(e.Data, word1, token1)
	if !ok0 || !ok1 {
		log.Debug("short liquidity event data", "tx", e.TxHash, "pool", e.Address)
		return
	}

	bundle.initProperties(token0, token1)
	bundle.MintBurnV3++
	bundle.addTokens(token0, token1)
	bundle.chargeGas(tx)

	bundle.Saldo[token0] += direction * amount0
	bundle.Saldo[token1] += direction * amount1
	bundle.trackCapital(token0, token1)
}

func topicSuffix(topic string) string {
	if len(topic) < 40 {
		return topic
	}
	return strings.ToLower(topic[len(topic)-40:])
}

func addressSuffix(address string) string {
	if len(address) < 40 {
		return address
	}
	return strings.ToLower(address[len(address)-40:])
}

func topicAmount(topic string, token string) (float64, bool) {
	v, err := hexToBig(topic)
	if err != nil {
		return 0, false
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / Decimals(token), true
}

// hexToBig parses 0x-prefixed hex with leading zeros, the form event topics
// arrive in.
func hexToBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}
