package monitor

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/suslonov/mev-price-monitor/chain"
	"github.com/suslonov/mev-price-monitor/explorer"
)

// ReceiptFetcher returns receipts for a set of transaction hashes.
type ReceiptFetcher interface {
	Receipts(ctx context.Context, hashes []common.Hash) (map[common.Hash]*types.Receipt, error)
}

// InternalTxSource lists miner internal transfers of one block.
type InternalTxSource interface {
	GetInternalTxs(ctx context.Context, blockNumber uint64, address common.Address) ([]explorer.InternalTx, error)
}

// BlockResult is everything the detector extracted from one block: the block
// record, the surviving bundle frames in discovery order, their transactions
// and the raw logs of those transactions.
type BlockResult struct {
	Block        BlockRecord
	Bundles      []*Bundle
	Transactions []*BundleTx
	Events       []*Event
}

// BundleByKey finds a bundle frame by its pair key.
func (r *BlockResult) BundleByKey(key PairKey) *Bundle {
	for _, b := range r.Bundles {
		if b.Key() == key {
			return b
		}
	}
	return nil
}

// Detector groups candidate attacker pairs out of a block and keeps the ones
// bracketing third-party traffic.
type Detector struct {
	chain    ReceiptFetcher
	explorer InternalTxSource
	registry *Registry
}

// NewDetector wires the detector's collaborators.
func NewDetector(receipts ReceiptFetcher, internals InternalTxSource, registry *Registry) *Detector {
	return &Detector{chain: receipts, explorer: internals, registry: registry}
}

type pairGroup struct {
	count    int
	minIndex int
	maxIndex int
	inner    int
	active   bool
	txs      []*BundleTx
	events   []*Event
}

// Detect runs the bundle detection pass over one block.
func (d *Detector) Detect(ctx context.Context, block *chain.Block) (*BlockResult, error) {
	defer metricsDetectCost(time.Now())

	result := &BlockResult{
		Block: BlockRecord{
			Number:  block.Number,
			BaseFee: block.BaseFee,
			Hash:    block.Hash.Hex(),
			Miner:   TokenKey(block.Miner),
		},
	}
	if len(block.Transactions) == 0 {
		return result, nil
	}

	groups, order := d.groupPairs(block)
	for _, key := range order {
		if err := d.collectPair(ctx, block, key, groups[key], result.Block); err != nil {
			return nil, err
		}
	}
	d.countInnerTxs(block, groups, order)

	anyActive := false
	for _, key := range order {
		g := groups[key]
		if g.active && g.inner == 0 {
			g.active = false
		}
		anyActive = anyActive || g.active
	}
	if anyActive {
		d.attributeBribes(ctx, block, groups, order)
	}

	for _, key := range order {
		g := groups[key]
		if !g.active {
			continue
		}
		bundle := &Bundle{
			BlockNumber:  block.Number,
			Attacker0:    key.From,
			Attacker1:    key.To,
			MinIndex:     g.minIndex,
			MaxIndex:     g.maxIndex,
			InnerTxCount: g.inner,
			Transactions: g.txs,
		}
		for _, tx := range g.txs {
			bundle.DirectBribe += WeiToEther(tx.DirectBribe)
			bundle.GasBurnt += WeiToEther(tx.GasBurnt)
			bundle.GasOverpay += WeiToEther(tx.GasOverpay)
		}
		result.Bundles = append(result.Bundles, bundle)
		result.Transactions = append(result.Transactions, g.txs...)
		result.Events = append(result.Events, g.events...)
	}
	metricsBundlesDetected(len(result.Bundles))
	return result, nil
}

// groupPairs maps (from, to) pairs to their transaction-index windows,
// anonymizing multisender callers and skipping disabled pairs. Pairs seen
// fewer than twice are dropped.
func (d *Detector) groupPairs(block *chain.Block) (map[PairKey]*pairGroup, []PairKey) {
	groups := make(map[PairKey]*pairGroup)
	var order []PairKey
	for _, tx := range block.Transactions {
		if tx.To == nil {
			continue
		}
		to := TokenKey(*tx.To)
		from := d.registry.Anonymize(TokenKey(tx.From), to)
		if d.registry.Disabled(from, to) {
			continue
		}
		key := PairKey{From: from, To: to}
		g, ok := groups[key]
		if !ok {
			groups[key] = &pairGroup{count: 1, minIndex: tx.Index, maxIndex: tx.Index}
			order = append(order, key)
			continue
		}
		g.count++
		if tx.Index < g.minIndex {
			g.minIndex = tx.Index
		}
		if tx.Index > g.maxIndex {
			g.maxIndex = tx.Index
		}
	}
	retained := order[:0]
	for _, key := range order {
		if groups[key].count > 1 {
			retained = append(retained, key)
		} else {
			delete(groups, key)
		}
	}
	return groups, retained
}

// collectPair fetches receipts for the pair's transactions, discards failed
// ones, records the survivors with their gas economics and logs, and tightens
// the window to the transactions that actually passed.
func (d *Detector) collectPair(ctx context.Context, block *chain.Block, key PairKey, g *pairGroup, record BlockRecord) error {
	var matching []*chain.Tx
	for ti := g.minIndex; ti <= g.maxIndex && ti < len(block.Transactions); ti++ {
		tx := block.Transactions[ti]
		if tx.To == nil || !key.Matches(TokenKey(tx.From), TokenKey(*tx.To)) {
			continue
		}
		if tx.Index != ti {
			log.Warn("transaction index mismatch", "block", block.Number, "position", ti, "index", tx.Index)
			continue
		}
		matching = append(matching, tx)
	}
	if len(matching) == 0 {
		return nil
	}

	hashes := make([]common.Hash, len(matching))
	for i, tx := range matching {
		hashes[i] = tx.Hash
	}
	start := time.Now()
	receipts, err := d.chain.Receipts(ctx, hashes)
	if err != nil {
		return err
	}
	metricsReceiptCost(start)

	first := true
	for _, tx := range matching {
		receipt := receipts[tx.Hash]
		if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
			log.Debug("skipping failed bundle transaction", "block", block.Number, "tx", tx.Hash)
			continue
		}
		if first || tx.Index < g.minIndex {
			g.minIndex = tx.Index
		}
		if first || tx.Index > g.maxIndex {
			g.maxIndex = tx.Index
		}
		first = false

		for _, l := range receipt.Logs {
			topics := make([]string, len(l.Topics))
			for i, t := range l.Topics {
				topics[i] = t.Hex()
			}
			g.events = append(g.events, &Event{
				BlockNumber: block.Number,
				TxHash:      tx.Hash.Hex(),
				Address:     TokenKey(l.Address),
				Data:        l.Data,
				Topics:      topics,
			})
		}

		gasBurnt := new(big.Int).Mul(record.BaseFee, new(big.Int).SetUint64(receipt.GasUsed))
		effective := receipt.EffectiveGasPrice
		if effective == nil {
			effective = tx.GasPrice
		}
		overpay := new(big.Int).Sub(effective, record.BaseFee)
		overpay.Mul(overpay, new(big.Int).SetUint64(receipt.GasUsed))
		g.txs = append(g.txs, &BundleTx{
			Hash:        tx.Hash.Hex(),
			BlockNumber: block.Number,
			Index:       tx.Index,
			From:        TokenKey(tx.From),
			To:          TokenKey(*tx.To),
			GasUsed:     receipt.GasUsed,
			GasPrice:    tx.GasPrice,
			GasFeeCap:   tx.GasFeeCap,
			GasTipCap:   tx.GasTipCap,
			GasBurnt:    gasBurnt,
			GasOverpay:  overpay,
			DirectBribe: new(big.Int),
			Value:       tx.Value,
			Role:        1,
		})
	}
	// A pair whose surviving transactions emitted no logs at all carries no
	// decodable flows and is dropped.
	g.active = len(g.events) > 0
	return nil
}

// countInnerTxs counts third-party transactions strictly inside each pair's
// tightened window; pairs without the sandwich witness are dropped later.
func (d *Detector) countInnerTxs(block *chain.Block, groups map[PairKey]*pairGroup, order []PairKey) {
	for _, key := range order {
		g := groups[key]
		if !g.active {
			continue
		}
		for ti := g.minIndex + 1; ti <= g.maxIndex && ti < len(block.Transactions); ti++ {
			tx := block.Transactions[ti]
			if tx.To == nil {
				continue
			}
			if key.Matches(TokenKey(tx.From), TokenKey(*tx.To)) {
				continue
			}
			g.inner++
		}
	}
}

// attributeBribes matches miner internal transfers against bundle
// transactions and credits the transfer value as a direct bribe. Explorer
// failures degrade to zero bribes for the block.
func (d *Detector) attributeBribes(ctx context.Context, block *chain.Block, groups map[PairKey]*pairGroup, order []PairKey) {
	internals, err := d.explorer.GetInternalTxs(ctx, block.Number, block.Miner)
	if err != nil {
		log.Warn("miner internal transfers unavailable", "block", block.Number, "err", err)
		return
	}
	miner := TokenKey(block.Miner)
	byHash := make(map[string]*BundleTx)
	for _, key := range order {
		g := groups[key]
		if !g.active {
			continue
		}
		for _, tx := range g.txs {
			byHash[tx.Hash] = tx
		}
	}
	for _, itx := range internals {
		if TokenKey(itx.To) != miner {
			continue
		}
		tx, ok := byHash[itx.Hash.Hex()]
		if !ok {
			continue
		}
		value, ok := new(big.Int).SetString(itx.Value, 10)
		if !ok {
			log.Debug("unparsable internal transfer value", "tx", itx.Hash, "value", itx.Value)
			continue
		}
		tx.DirectBribe = new(big.Int).Add(tx.DirectBribe, value)
	}
}

// HexData renders event data for persistence.
func (e *Event) HexData() string {
	return hexutil.Encode(e.Data)
}
