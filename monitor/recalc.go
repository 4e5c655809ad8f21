package monitor

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
)

// RecalcStore extends the block-loop store with the read and purge paths the
// full reclassification needs.
type RecalcStore interface {
	Store
	GetBundleBlocks(ctx context.Context) ([]uint64, error)
	GetBundles(ctx context.Context, blockNumber uint64) ([]*Bundle, error)
	PurgeAttackEMAs(ctx context.Context) error
}

// RecalcAttacks rebuilds the attack log and the EMA table from the persisted
// bundles, replaying blocks in order so the EMAs come out identical to a
// fresh run. Running it twice over the same data is a no-op.
func RecalcAttacks(ctx context.Context, store RecalcStore, alpha float64) error {
	attackers, err := store.GetAttackers(ctx)
	if err != nil {
		return err
	}
	classes, err := store.GetAttackClasses(ctx)
	if err != nil {
		return err
	}
	if err := store.PurgeAttackEMAs(ctx); err != nil {
		return err
	}
	emaSet := NewEMASet(alpha, nil)

	blocks, err := store.GetBundleBlocks(ctx)
	if err != nil {
		return err
	}
	log.Info("recalculating attacks", "blocks", len(blocks))

	for _, blockNumber := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		bundles, err := store.GetBundles(ctx, blockNumber)
		if err != nil {
			return err
		}
		tx, err := store.Begin(ctx)
		if err != nil {
			return err
		}
		if err := recalcBlock(tx, bundles, classes, attackers, emaSet); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	for _, row := range emaSet.Dirty() {
		if err := tx.UpdateAttackEMA(row); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func recalcBlock(tx StoreTx, bundles []*Bundle, classes []*AttackClass, attackers []*Attacker, emaSet *EMASet) error {
	for _, bundle := range bundles {
		if bundle.Saldo == nil {
			continue
		}
		if err := tx.DeleteAttacks(bundle.ID); err != nil {
			return err
		}
		if bundle.BribesRatio == nil {
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
			}
		}
	}
	return nil
}
