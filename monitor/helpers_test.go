package monitor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/suslonov/mev-price-monitor/chain"
	"github.com/suslonov/mev-price-monitor/explorer"
)

var (
	addrA = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	addrB = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	addrC = common.HexToAddress("0xcccc000000000000000000000000000000000003")
	addrD = common.HexToAddress("0xdddd000000000000000000000000000000000004")
	addrE = common.HexToAddress("0xeeee000000000000000000000000000000000005")
	addrX = common.HexToAddress("0x1234000000000000000000000000000000000006")
	poolP = common.HexToAddress("0x9999000000000000000000000000000000000007")

	minerAddr = common.HexToAddress("0x5555000000000000000000000000000000000008")

	wethAddr = common.HexToAddress(WETH)
	usdcAddr = common.HexToAddress(USDC)
)

func txHash(i int) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%064x", i+1))
}

func newTx(index int, from common.Address, to *common.Address) *chain.Tx {
	return &chain.Tx{
		Hash:     txHash(index),
		Index:    index,
		From:     from,
		To:       to,
		Value:    big.NewInt(0),
		GasPrice: big.NewInt(10e9),
	}
}

func newBlock(number uint64, txs ...*chain.Tx) *chain.Block {
	return &chain.Block{
		Number:       number,
		Hash:         common.HexToHash("0xb10c"),
		BaseFee:      big.NewInt(10e9),
		Miner:        minerAddr,
		Transactions: txs,
	}
}

type fakeReceipts struct {
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeReceipts) Receipts(_ context.Context, hashes []common.Hash) (map[common.Hash]*types.Receipt, error) {
	out := make(map[common.Hash]*types.Receipt, len(hashes))
	for _, h := range hashes {
		if r, ok := f.receipts[h]; ok {
			out[h] = r
		}
	}
	return out, nil
}

func successReceipt(gasUsed uint64, effectiveGasPrice int64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           gasUsed,
		EffectiveGasPrice: big.NewInt(effectiveGasPrice),
		Logs:              logs,
	}
}

func failedReceipt() *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusFailed, EffectiveGasPrice: big.NewInt(0)}
}

// markerLog is an inert log that keeps a transaction pair alive through
// detection without moving any saldo.
func markerLog(emitter common.Address) *types.Log {
	return &types.Log{
		Address: emitter,
		Topics:  []common.Hash{common.HexToHash("0x00000000000000000000000000000000000000000000000000000000deadbeef")},
	}
}

type fakeInternals struct {
	txs []explorer.InternalTx
	err error
}

func (f *fakeInternals) GetInternalTxs(context.Context, uint64, common.Address) ([]explorer.InternalTx, error) {
	return f.txs, f.err
}

type fakePairs struct {
	pairs map[common.Address]chain.TokenPair
	calls int
}

func (f *fakePairs) PairTokens(_ context.Context, address common.Address, _ chain.Kind) (chain.TokenPair, bool) {
	f.calls++
	pair, ok := f.pairs[address]
	return pair, ok
}

func wethUsdcPool() *fakePairs {
	return &fakePairs{pairs: map[common.Address]chain.TokenPair{
		poolP: {Token0: wethAddr, Token1: usdcAddr},
	}}
}

// pad32 left-pads a big integer to one event data word.
func pad32(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func words(vs ...*big.Int) []byte {
	var data []byte
	for _, v := range vs {
		data = append(data, pad32(v)...)
	}
	return data
}

// signedBytes renders a possibly negative value in 256-bit two's complement.
func signedBytes(v *big.Int) []byte {
	if v.Sign() >= 0 {
		return pad32(v)
	}
	twos := new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), 256))
	return pad32(twos)
}

func ether(f float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(f), big.NewFloat(1e18)).Int(nil)
	return wei
}

func topicHash(s string) common.Hash {
	return common.HexToHash(s)
}

func swapV2Log(pool common.Address, amount0In, amount1In, amount0Out, amount1Out *big.Int) *types.Log {
	return &types.Log{
		Address: pool,
		Topics:  []common.Hash{topicHash(TopicUniswapV2)},
		Data:    words(amount0In, amount1In, amount0Out, amount1Out),
	}
}

func swapV3Log(topic string, pool common.Address, amount0, amount1 *big.Int) *types.Log {
	var data []byte
	data = append(data, signedBytes(amount0)...)
	data = append(data, signedBytes(amount1)...)
	return &types.Log{
		Address: pool,
		Topics:  []common.Hash{topicHash(topic)},
		Data:    data,
	}
}

// detect builds a detector over canned receipts and internal transfers and
// runs it on the block.
func detect(t interface{ Fatalf(string, ...any) }, block *chain.Block, receipts map[common.Hash]*types.Receipt, internals []explorer.InternalTx, registry *Registry) *BlockResult {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	d := NewDetector(&fakeReceipts{receipts: receipts}, &fakeInternals{txs: internals}, registry)
	result, err := d.Detect(context.Background(), block)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	return result
}
