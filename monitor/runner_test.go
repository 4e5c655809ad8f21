package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/suslonov/mev-price-monitor/chain"
)

// memStore is an in-memory Store/RecalcStore double. Writes buffer in the
// open transaction and only land on Commit.
type memStore struct {
	blocks    map[uint64]*BlockRecord
	bundles   []*Bundle
	events    []*Event
	attacks   map[string]attackRow
	emas      map[emaKey]*EMARow
	attackers []*Attacker
	classes   []*AttackClass
	nextID    int64
}

type attackRow struct {
	bundleID    int64
	classID     int64
	attacker    string
	blockNumber uint64
	ratio       float64
}

func newMemStore() *memStore {
	return &memStore{
		blocks:  make(map[uint64]*BlockRecord),
		attacks: make(map[string]attackRow),
		emas:    make(map[emaKey]*EMARow),
		nextID:  1,
	}
}

func (m *memStore) GetBlocksGap(_ context.Context, latest uint64) (uint64, bool, error) {
	var best uint64
	found := false
	for n := range m.blocks {
		if n < latest && (!found || n > best) {
			best, found = n, true
		}
	}
	return best, found, nil
}

func (m *memStore) GetAttackers(context.Context) ([]*Attacker, error) {
	return m.attackers, nil
}

func (m *memStore) GetAttackClasses(context.Context) ([]*AttackClass, error) {
	return m.classes, nil
}

func (m *memStore) GetAttackEMAs(context.Context) ([]*EMARow, error) {
	rows := make([]*EMARow, 0, len(m.emas))
	for _, row := range m.emas {
		clone := *row
		rows = append(rows, &clone)
	}
	return rows, nil
}

func (m *memStore) GetBundleBlocks(context.Context) ([]uint64, error) {
	seen := make(map[uint64]bool)
	var blocks []uint64
	for _, b := range m.bundles {
		if !seen[b.BlockNumber] {
			seen[b.BlockNumber] = true
			blocks = append(blocks, b.BlockNumber)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks, nil
}

func (m *memStore) GetBundles(_ context.Context, blockNumber uint64) ([]*Bundle, error) {
	var out []*Bundle
	for _, b := range m.bundles {
		if b.BlockNumber == blockNumber {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) PurgeAttackEMAs(context.Context) error {
	m.emas = make(map[emaKey]*EMARow)
	return nil
}

func (m *memStore) Begin(context.Context) (StoreTx, error) {
	return &memTx{store: m}, nil
}

// memTx buffers mutations until Commit.
type memTx struct {
	store          *memStore
	pending        []func(*memStore)
	deletedBundles map[int64]bool
	addedAttacks   map[string]bool
}

func (t *memTx) AddBlock(block *BlockRecord) error {
	b := *block
	t.pending = append(t.pending, func(m *memStore) { m.blocks[b.Number] = &b })
	return nil
}

func (t *memTx) AddBundles(bundles []*Bundle) error {
	for _, b := range bundles {
		b.ID = t.store.nextID
		t.store.nextID++
		bundle := b
		t.pending = append(t.pending, func(m *memStore) { m.bundles = append(m.bundles, bundle) })
	}
	return nil
}

func (t *memTx) AddBundleTransactions(bundleID int64, txs []*BundleTx) error {
	for _, tx := range txs {
		tx.BundleID = bundleID
	}
	return nil
}

func (t *memTx) AddEvents(events []*Event) error {
	t.pending = append(t.pending, func(m *memStore) { m.events = append(m.events, events...) })
	return nil
}

func (t *memTx) UpdateBundle(*Bundle) error {
	return nil
}

func (t *memTx) AddAttack(bundleID, classID int64, attacker string, blockNumber uint64, ratio float64) error {
	key := fmt.Sprintf("%d/%d/%s", bundleID, classID, attacker)
	if t.addedAttacks == nil {
		t.addedAttacks = make(map[string]bool)
	}
	_, inStore := t.store.attacks[key]
	if t.addedAttacks[key] || (inStore && !t.deletedBundles[bundleID]) {
		return fmt.Errorf("duplicate attack row %s", key)
	}
	t.addedAttacks[key] = true
	row := attackRow{bundleID, classID, attacker, blockNumber, ratio}
	t.pending = append(t.pending, func(m *memStore) { m.attacks[key] = row })
	return nil
}

func (t *memTx) DeleteAttacks(bundleID int64) error {
	if t.deletedBundles == nil {
		t.deletedBundles = make(map[int64]bool)
	}
	t.deletedBundles[bundleID] = true
	t.pending = append(t.pending, func(m *memStore) {
		for key, row := range m.attacks {
			if row.bundleID == bundleID {
				delete(m.attacks, key)
			}
		}
	})
	return nil
}

func (t *memTx) UpdateAttackEMA(row *EMARow) error {
	clone := *row
	t.pending = append(t.pending, func(m *memStore) {
		m.emas[emaKey{clone.ClassID, clone.Attacker}] = &clone
	})
	return nil
}

func (t *memTx) Commit() error {
	for _, apply := range t.pending {
		apply(t.store)
	}
	t.pending = nil
	return nil
}

func (t *memTx) Rollback() error {
	t.pending = nil
	return nil
}

// fakeChain serves canned blocks and their receipts.
type fakeChain struct {
	head     uint64
	blocks   map[uint64]*chain.Block
	receipts *fakeReceipts
}

func (f *fakeChain) HeadNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) BlockByNumber(_ context.Context, number uint64) (*chain.Block, error) {
	block, ok := f.blocks[number]
	if !ok {
		return nil, fmt.Errorf("unknown block %d", number)
	}
	return block, nil
}

func (f *fakeChain) Receipts(ctx context.Context, hashes []common.Hash) (map[common.Hash]*types.Receipt, error) {
	return f.receipts.Receipts(ctx, hashes)
}

func sandwichChain(head uint64) *fakeChain {
	usdc := func(f float64) *big.Int { return big.NewInt(int64(f * 1e6)) }
	blocks := make(map[uint64]*chain.Block)
	receipts := make(map[common.Hash]*types.Receipt)
	for n := uint64(100); n <= head; n++ {
		blocks[n] = newBlock(n,
			newTx(0, addrA, &addrX),
			newTx(1, addrB, &addrC),
			newTx(2, addrA, &addrX),
		)
		receipts[txHash(0)] = successReceipt(100000, 12e9,
			swapV2Log(poolP, ether(100), big.NewInt(0), big.NewInt(0), usdc(200000)))
		receipts[txHash(2)] = successReceipt(100000, 12e9,
			swapV2Log(poolP, big.NewInt(0), usdc(200000), ether(102), big.NewInt(0)))
	}
	return &fakeChain{head: head, blocks: blocks, receipts: &fakeReceipts{receipts: receipts}}
}

func newTestRunner(source *fakeChain, store *memStore) *Runner {
	registry := NewRegistry(store.attackers)
	return NewRunner(source, store,
		NewDetector(source, &fakeInternals{}, registry),
		NewSaldoEngine(wethUsdcPool(), registry),
		registry, 0.1, 2000)
}

func TestProcessBlockEndToEnd(t *testing.T) {
	store := newMemStore()
	store.classes = []*AttackClass{
		{ID: 1, Name: "All", Rules: map[string]Rule{}},
		{ID: 2, Name: "V3_only", Rules: map[string]Rule{
			"a_uniswapV3": {Op: OpGT, Value: float64(0)},
		}},
	}
	runner := newTestRunner(sandwichChain(100), store)

	require.NoError(t, runner.ProcessBlock(context.Background(), 100))

	require.Contains(t, store.blocks, uint64(100))
	require.Len(t, store.bundles, 1)
	bundle := store.bundles[0]
	require.True(t, bundle.Valued)
	require.NotNil(t, bundle.BribesRatio)

	// Only the "All" class matches the V2 sandwich, in the wildcard bucket.
	require.Len(t, store.attacks, 1)
	ema := store.emas[emaKey{1, "*"}]
	require.NotNil(t, ema)
	require.Equal(t, 1, ema.CountAttacks)
	require.InDelta(t, *bundle.BribesRatio, ema.EMA, 1e-12)
	_, v3Matched := store.emas[emaKey{2, "*"}]
	require.False(t, v3Matched)
}

func TestCatchUpOrdersEMAUpdates(t *testing.T) {
	store := newMemStore()
	store.classes = []*AttackClass{{ID: 1, Name: "All", Rules: map[string]Rule{}}}
	store.blocks[99] = &BlockRecord{Number: 99}
	runner := newTestRunner(sandwichChain(102), store)

	require.NoError(t, runner.CatchUp(context.Background()))

	// Blocks 100..102 processed in order.
	for n := uint64(100); n <= 102; n++ {
		require.Contains(t, store.blocks, n)
	}
	ema := store.emas[emaKey{1, "*"}]
	require.NotNil(t, ema)
	require.Equal(t, 3, ema.CountAttacks)
	require.Equal(t, uint64(102), ema.LastBlockNumber)

	// Same ratio r three times: ema = r throughout.
	require.InDelta(t, ema.LastRatio, ema.EMA, 1e-12)
}

func TestRecalcAttacksIdempotent(t *testing.T) {
	store := newMemStore()
	store.classes = []*AttackClass{{ID: 1, Name: "All", Rules: map[string]Rule{}}}
	store.blocks[99] = &BlockRecord{Number: 99}
	runner := newTestRunner(sandwichChain(102), store)
	require.NoError(t, runner.CatchUp(context.Background()))

	snapshotAttacks := func() map[string]attackRow {
		out := make(map[string]attackRow, len(store.attacks))
		for k, v := range store.attacks {
			out[k] = v
		}
		return out
	}
	snapshotEMAs := func() map[emaKey]EMARow {
		out := make(map[emaKey]EMARow, len(store.emas))
		for k, v := range store.emas {
			out[k] = *v
		}
		return out
	}

	require.NoError(t, RecalcAttacks(context.Background(), store, 0.1))
	attacks1, emas1 := snapshotAttacks(), snapshotEMAs()
	require.NotEmpty(t, attacks1)

	require.NoError(t, RecalcAttacks(context.Background(), store, 0.1))
	require.Equal(t, attacks1, snapshotAttacks())
	require.Equal(t, emas1, snapshotEMAs())
}

func TestGasOnlyBundleNotClassified(t *testing.T) {
	// Two pair transactions whose only logs are plain transfers: gas is
	// booked, no rates are observed, the bundle stays unvalued and produces
	// no attacks.
	plainTransfer := &types.Log{
		Address: addrE,
		Topics: []common.Hash{
			topicHash(TopicTransfer),
			common.BytesToHash(addrA.Bytes()),
			common.BytesToHash(addrD.Bytes()),
		},
		Data: pad32(ether(1)),
	}
	block := newBlock(100,
		newTx(0, addrA, &addrX),
		newTx(1, addrB, &addrC),
		newTx(2, addrA, &addrX),
	)
	receipts := map[common.Hash]*types.Receipt{
		txHash(0): successReceipt(100000, 30e9, plainTransfer),
		txHash(2): successReceipt(100000, 30e9, plainTransfer),
	}
	result := detect(t, block, receipts, nil, nil)
	processSaldo(t, result, nil)

	b := result.Bundles[0]
	b.Finalize(2000)
	require.NotNil(t, b.Saldo)
	require.InDelta(t, 0.006, b.GasBurnt+b.GasOverpay, 1e-12)
	require.Empty(t, b.Rates)
	require.False(t, b.Valued)
	require.Nil(t, b.BribesRatio)

	store := newMemStore()
	store.classes = []*AttackClass{{ID: 1, Name: "All", Rules: map[string]Rule{}}}
	tx, err := store.Begin(context.Background())
	require.NoError(t, err)
	emaSet := NewEMASet(0.1, nil)
	require.NoError(t, classify(tx, result.Bundles, store.classes, nil, emaSet))
	require.NoError(t, tx.Commit())
	require.Empty(t, store.attacks)
	require.Empty(t, store.emas)
}

func TestRecalcMatchesLiveEMAs(t *testing.T) {
	store := newMemStore()
	store.classes = []*AttackClass{{ID: 1, Name: "All", Rules: map[string]Rule{}}}
	store.blocks[99] = &BlockRecord{Number: 99}
	runner := newTestRunner(sandwichChain(103), store)
	require.NoError(t, runner.CatchUp(context.Background()))

	live := make(map[emaKey]EMARow, len(store.emas))
	for k, v := range store.emas {
		live[k] = *v
	}
	require.NoError(t, RecalcAttacks(context.Background(), store, 0.1))
	recalced := make(map[emaKey]EMARow, len(store.emas))
	for k, v := range store.emas {
		recalced[k] = *v
	}
	require.Equal(t, live, recalced)
}
