package monitor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/suslonov/mev-price-monitor/chain"
)

// Store is the persistence surface the block loop needs.
type Store interface {
	GetBlocksGap(ctx context.Context, latest uint64) (uint64, bool, error)
	GetAttackers(ctx context.Context) ([]*Attacker, error)
	GetAttackClasses(ctx context.Context) ([]*AttackClass, error)
	GetAttackEMAs(ctx context.Context) ([]*EMARow, error)
	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is one atomic block commit. Everything a block produces — frames,
// transactions, events, valuations, attacks and EMA updates — lands in a
// single transaction.
type StoreTx interface {
	AddBlock(block *BlockRecord) error
	AddBundles(bundles []*Bundle) error
	AddBundleTransactions(bundleID int64, txs []*BundleTx) error
	AddEvents(events []*Event) error
	UpdateBundle(bundle *Bundle) error
	AddAttack(bundleID, classID int64, attacker string, blockNumber uint64, ratio float64) error
	DeleteAttacks(bundleID int64) error
	UpdateAttackEMA(row *EMARow) error
	Commit() error
	Rollback() error
}

// BlockSource serves blocks and receipts.
type BlockSource interface {
	HeadNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error)
	Receipts(ctx context.Context, hashes []common.Hash) (map[common.Hash]*types.Receipt, error)
}

// Runner drives the single-writer block loop: detect, decode, value, persist,
// classify, commit — one block at a time so EMA updates keep their order.
type Runner struct {
	chain    BlockSource
	store    Store
	detector *Detector
	saldo    *SaldoEngine
	registry *Registry
	alpha    float64
	ethUsd   float64
}

// NewRunner assembles the pipeline around its collaborators.
func NewRunner(source BlockSource, store Store, detector *Detector, saldo *SaldoEngine, registry *Registry, alpha, ethUsd float64) *Runner {
	return &Runner{
		chain:    source,
		store:    store,
		detector: detector,
		saldo:    saldo,
		registry: registry,
		alpha:    alpha,
		ethUsd:   ethUsd,
	}
}

// CatchUp processes every block after the highest persisted one up to the
// current head, then returns. With no persisted block below the head, only
// the head block is processed.
func (r *Runner) CatchUp(ctx context.Context) error {
	head, err := r.chain.HeadNumber(ctx)
	if err != nil {
		return err
	}
	metricsHead(head)

	start := head
	prev, found, err := r.store.GetBlocksGap(ctx, head)
	if err != nil {
		return err
	}
	if found && prev+1 < head {
		start = prev + 1
	}
	log.Info("catching up", "from", start, "head", head, "behind", head-start)

	for number := start; number <= head; number++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ProcessBlock(ctx, number); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBlock runs the full pipeline for one block and commits atomically.
func (r *Runner) ProcessBlock(ctx context.Context, number uint64) error {
	started := time.Now()

	block, err := r.chain.BlockByNumber(ctx, number)
	if err != nil {
		return err
	}
	result, err := r.detector.Detect(ctx, block)
	if err != nil {
		return err
	}
	r.saldo.Process(ctx, result)
	for _, bundle := range result.Bundles {
		bundle.Finalize(r.ethUsd)
	}

	classes, err := r.store.GetAttackClasses(ctx)
	if err != nil {
		return err
	}
	emas, err := r.store.GetAttackEMAs(ctx)
	if err != nil {
		return err
	}
	emaSet := NewEMASet(r.alpha, emas)

	persistStart := time.Now()
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := r.persistBlock(tx, result, classes, emaSet); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metricsPersistCost(persistStart)
	metricsBlockProcessed(number, started)
	log.Info("block processed", "number", number, "bundles", len(result.Bundles),
		"events", len(result.Events), "elapsed", time.Since(started))
	return nil
}

func (r *Runner) persistBlock(tx StoreTx, result *BlockResult, classes []*AttackClass, emaSet *EMASet) error {
	if err := tx.AddBlock(&result.Block); err != nil {
		return err
	}
	if err := tx.AddBundles(result.Bundles); err != nil {
		return err
	}
	for _, bundle := range result.Bundles {
		if err := tx.AddBundleTransactions(bundle.ID, bundle.Transactions); err != nil {
			return err
		}
	}
	if err := tx.AddEvents(result.Events); err != nil {
		return err
	}
	for _, bundle := range result.Bundles {
		if bundle.Saldo == nil {
			continue
		}
		if err := tx.UpdateBundle(bundle); err != nil {
			return err
		}
	}
	return classify(tx, result.Bundles, classes, r.registry.Rows(), emaSet)
}

// classify evaluates every class against every decoded bundle and applies the
// matches to the attack log and the EMA rows.
func classify(tx StoreTx, bundles []*Bundle, classes []*AttackClass, attackers []*Attacker, emaSet *EMASet) error {
	attacks := 0
	for _, bundle := range bundles {
		if bundle.Saldo == nil || bundle.BribesRatio == nil {
			continue
		}
		buckets := ReportBuckets(attackers, bundle.Attacker1)
		for _, class := range classes {
			if !MatchClass(class, bundle) {
				continue
			}
			for _, bucket := range buckets {
				emaSet.Apply(class.ID, bucket, bundle.BlockNumber, *bundle.BribesRatio)
				if err := tx.AddAttack(bundle.ID, class.ID, bucket, bundle.BlockNumber, *bundle.BribesRatio); err != nil {
					return err
				}
				attacks++
			}
		}
	}
	for _, row := range emaSet.Dirty() {
		if err := tx.UpdateAttackEMA(row); err != nil {
			return err
		}
	}
	metricsAttacks(attacks)
	return nil
}
