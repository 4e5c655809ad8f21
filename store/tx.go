package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/suslonov/mev-price-monitor/monitor"
)

// Tx is one atomic block commit.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Commit finalizes the block.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback abandons the block without partial persistence.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// AddBlock inserts the block record.
func (t *Tx) AddBlock(block *monitor.BlockRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO t_blocks(blockNumber, baseFeePerGas, blockHash, miner) VALUES(?, ?, ?, ?)",
		block.Number, bigString(block.BaseFee), block.Hash, block.Miner)
	if err != nil {
		return fmt.Errorf("add block %d: %w", block.Number, err)
	}
	return nil
}

// AddBundles inserts the bundle frames and assigns their ids.
func (t *Tx) AddBundles(bundles []*monitor.Bundle) error {
	for _, b := range bundles {
		res, err := t.tx.ExecContext(t.ctx,
			"INSERT INTO t_bundles(blockNumber, attacker0, attacker1, directBribe, gasBurnt, gasOverpay) VALUES(?, ?, ?, ?, ?, ?)",
			b.BlockNumber, nullIfEmpty(b.Attacker0), b.Attacker1, b.DirectBribe, b.GasBurnt, b.GasOverpay)
		if err != nil {
			return fmt.Errorf("add bundle: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// AddBundleTransactions inserts a bundle's transactions and stamps their
// bundle id.
func (t *Tx) AddBundleTransactions(bundleID int64, txs []*monitor.BundleTx) error {
	for _, tx := range txs {
		_, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO t_transactions(hash, blockNumber, transactionIndex, bundleId, fromTx, toTx,
			 gasUsed, gasPrice, maxFeePerGas, maxPriorityFeePerGas, gasBurnt, gasOverpay, directBribe, value, role)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.Hash, tx.BlockNumber, tx.Index, bundleID, tx.From, tx.To,
			tx.GasUsed, bigString(tx.GasPrice), bigStringOrNil(tx.GasFeeCap), bigStringOrNil(tx.GasTipCap),
			bigString(tx.GasBurnt), bigString(tx.GasOverpay), bigString(tx.DirectBribe),
			bigFloat(tx.Value), tx.Role)
		if err != nil {
			return fmt.Errorf("add bundle transaction %s: %w", tx.Hash, err)
		}
		tx.BundleID = bundleID
	}
	return nil
}

// AddEvents inserts the raw logs and their ordered topics.
func (t *Tx) AddEvents(events []*monitor.Event) error {
	for _, e := range events {
		data := e.HexData()
		if len(data) > eventDataLimit {
			data = data[:eventDataLimit]
		}
		res, err := t.tx.ExecContext(t.ctx,
			"INSERT INTO t_events(blockNumber, transactionHash, address, data) VALUES(?, ?, ?, ?)",
			e.BlockNumber, e.TxHash, e.Address, data)
		if err != nil {
			return fmt.Errorf("add event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
		for i, topic := range e.Topics {
			if _, err := t.tx.ExecContext(t.ctx,
				"INSERT INTO t_event_topics(eventId, topicIndex, topic) VALUES(?, ?, ?)",
				id, i, topic); err != nil {
				return fmt.Errorf("add event topic: %w", err)
			}
		}
	}
	return nil
}

// UpdateBundle writes the recomputed valuation and the JSON views of the
// decoding state.
func (t *Tx) UpdateBundle(b *monitor.Bundle) error {
	saldo, err := encodeTokenMap(b.Saldo)
	if err != nil {
		return err
	}
	capital, err := encodeTokenMap(b.CapitalRequirements)
	if err != nil {
		return err
	}
	rates, err := encodeRates(b.Rates)
	if err != nil {
		return err
	}
	features, err := encodeFeatures(b)
	if err != nil {
		return err
	}
	var ratio sql.NullFloat64
	if b.BribesRatio != nil {
		ratio = sql.NullFloat64{Float64: *b.BribesRatio, Valid: true}
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE t_bundles SET directBribe=?, gasBurnt=?, gasOverpay=?, profitEstimation=?,
		 totalCapital=?, bribesRatio=?, saldo=?, rates=?, capitalRequirements=?, features=?
		 WHERE bundleId=?`,
		b.DirectBribe, b.GasBurnt, b.GasOverpay, b.ProfitEstimation,
		b.TotalCapital, ratio, saldo, rates, capital, features, b.ID)
	if err != nil {
		return fmt.Errorf("update bundle %d: %w", b.ID, err)
	}
	return nil
}

// AddAttack logs one (bundle, class, bucket) classification.
func (t *Tx) AddAttack(bundleID, classID int64, attacker string, blockNumber uint64, ratio float64) error {
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO t_attacks(bundleId, attackClassId, attacker, blockNumber, bribesRatio) VALUES(?, ?, ?, ?, ?)",
		bundleID, classID, attacker, blockNumber, ratio)
	if err != nil {
		return fmt.Errorf("add attack: %w", err)
	}
	return nil
}

// DeleteAttacks removes a bundle's classification rows before re-adding them.
func (t *Tx) DeleteAttacks(bundleID int64) error {
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM t_attacks WHERE bundleId = ?", bundleID)
	if err != nil {
		return fmt.Errorf("delete attacks of bundle %d: %w", bundleID, err)
	}
	return nil
}

// UpdateAttackEMA upserts one EMA row.
func (t *Tx) UpdateAttackEMA(row *monitor.EMARow) error {
	var count int
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT COUNT(*) FROM t_attack_EMAs WHERE attackClassId = ? AND attacker = ?",
		row.ClassID, row.Attacker).Scan(&count)
	if err != nil {
		return fmt.Errorf("check attack EMA: %w", err)
	}
	if count > 0 {
		_, err = t.tx.ExecContext(t.ctx,
			"UPDATE t_attack_EMAs SET countAttacks=?, lastBlockNumber=?, bribesRatio=?, bribesRatioEMA=? WHERE attackClassId = ? AND attacker = ?",
			row.CountAttacks, row.LastBlockNumber, row.LastRatio, row.EMA, row.ClassID, row.Attacker)
	} else {
		_, err = t.tx.ExecContext(t.ctx,
			"INSERT INTO t_attack_EMAs(attackClassId, attacker, countAttacks, lastBlockNumber, bribesRatio, bribesRatioEMA) VALUES(?, ?, ?, ?, ?, ?)",
			row.ClassID, row.Attacker, row.CountAttacks, row.LastBlockNumber, row.LastRatio, row.EMA)
	}
	if err != nil {
		return fmt.Errorf("update attack EMA: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bigString(v *big.Int) any {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigStringOrNil(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
