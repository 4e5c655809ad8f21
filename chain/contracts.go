package chain

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Kind selects a hard-coded ABI for well-known contract shapes, skipping the
// explorer round-trip.
type Kind int

const (
	KindUnknown Kind = iota
	KindToken
	KindPair // Uniswap V2 style pair
	KindPool // Uniswap V3 style pool
)

const contractCacheSize = 4096

// Minimal ABIs covering the views the monitor calls.
const (
	erc20ABI = `[
		{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`
	poolABI = `[
		{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
	]`
)

// erc20Like always resolves to the standard ERC-20 ABI regardless of what the
// explorer would return: USDC and TrueUSD proxies hide the token interface.
var erc20Like = map[common.Address]bool{
	common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): true,
	common.HexToAddress("0x0000000000085d4780B73119b644AE5ecd22b376"): true,
}

// TokenPair is the (token0, token1) of a pool contract.
type TokenPair struct {
	Token0 common.Address
	Token1 common.Address
}

// ViewCaller executes constant contract calls.
type ViewCaller interface {
	CallView(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ABISource serves verified contract ABIs.
type ABISource interface {
	GetABI(ctx context.Context, address common.Address) (string, error)
}

// Contracts memoizes contract ABIs and pool token pairs. Entries are written
// at most once per key; concurrent misses tolerate duplicate fetches.
type Contracts struct {
	caller   ViewCaller
	explorer ABISource

	mu    sync.Mutex
	abis  *lru.Cache[common.Address, *abi.ABI]
	pairs *lru.Cache[common.Address, TokenPair]

	tokenABI abi.ABI
	poolsABI abi.ABI
}

// NewContracts builds the cache around a view caller and an ABI source.
func NewContracts(caller ViewCaller, explorer ABISource) (*Contracts, error) {
	abis, err := lru.New[common.Address, *abi.ABI](contractCacheSize)
	if err != nil {
		return nil, err
	}
	pairs, err := lru.New[common.Address, TokenPair](contractCacheSize)
	if err != nil {
		return nil, err
	}
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	poolsABI, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, err
	}
	return &Contracts{
		caller:   caller,
		explorer: explorer,
		abis:     abis,
		pairs:    pairs,
		tokenABI: tokenABI,
		poolsABI: poolsABI,
	}, nil
}

// ABI resolves the ABI of a contract: cached, hard-coded by kind, or fetched
// from the explorer. A nil result with nil error means the ABI is unknown and
// the contract's events should be skipped.
func (c *Contracts) ABI(ctx context.Context, address common.Address, kind Kind) (*abi.ABI, error) {
	c.mu.Lock()
	if cached, ok := c.abis.Get(address); ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var resolved *abi.ABI
	switch {
	case erc20Like[address] || kind == KindToken:
		resolved = &c.tokenABI
	case kind == KindPair || kind == KindPool:
		resolved = &c.poolsABI
	default:
		raw, err := c.explorer.GetABI(ctx, address)
		if err != nil {
			return nil, err
		}
		if raw == "" {
			return nil, nil
		}
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			log.Debug("unparsable contract ABI", "address", address, "err", err)
			return nil, nil
		}
		resolved = &parsed
	}

	c.mu.Lock()
	c.abis.ContainsOrAdd(address, resolved)
	c.mu.Unlock()
	return resolved, nil
}

// PairTokens resolves the (token0, token1) of a pool, caching the result. The
// second return is false when the pool's tokens cannot be determined; callers
// skip the pool's events in that case.
func (c *Contracts) PairTokens(ctx context.Context, address common.Address, kind Kind) (TokenPair, bool) {
	c.mu.Lock()
	if cached, ok := c.pairs.Get(address); ok {
		c.mu.Unlock()
		return cached, true
	}
	c.mu.Unlock()

	contractABI, err := c.ABI(ctx, address, kind)
	if err != nil || contractABI == nil {
		return TokenPair{}, false
	}
	token0, ok := c.callAddressView(ctx, address, contractABI, "token0")
	if !ok {
		return TokenPair{}, false
	}
	token1, ok := c.callAddressView(ctx, address, contractABI, "token1")
	if !ok {
		return TokenPair{}, false
	}
	pair := TokenPair{Token0: token0, Token1: token1}

	c.mu.Lock()
	c.pairs.ContainsOrAdd(address, pair)
	c.mu.Unlock()
	return pair, true
}

func (c *Contracts) callAddressView(ctx context.Context, address common.Address, contractABI *abi.ABI, method string) (common.Address, bool) {
	if _, ok := contractABI.Methods[method]; !ok {
		return common.Address{}, false
	}
	data, err := contractABI.Pack(method)
	if err != nil {
		return common.Address{}, false
	}
	ret, err := c.caller.CallView(ctx, address, data)
	if err != nil {
		log.Debug("contract view call failed", "address", address, "method", method, "err", err)
		return common.Address{}, false
	}
	out, err := contractABI.Unpack(method, ret)
	if err != nil || len(out) == 0 {
		return common.Address{}, false
	}
	result, ok := out[0].(common.Address)
	return result, ok
}
