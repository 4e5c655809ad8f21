package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/suslonov/mev-price-monitor/monitor"
)

// GetBlock reads one persisted block record.
func (d *DB) GetBlock(ctx context.Context, blockNumber uint64) (*monitor.BlockRecord, error) {
	var (
		block   monitor.BlockRecord
		baseFee string
	)
	err := d.sql.QueryRowContext(ctx,
		"SELECT blockNumber, baseFeePerGas, blockHash, miner FROM t_blocks WHERE blockNumber = ?",
		blockNumber).Scan(&block.Number, &baseFee, &block.Hash, &block.Miner)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", blockNumber, err)
	}
	if fee, ok := new(big.Int).SetString(baseFee, 10); ok {
		block.BaseFee = fee
	}
	return &block, nil
}

// GetBundles reads a block's bundles with their decoding state restored from
// the JSON columns, ordered by bundle id.
func (d *DB) GetBundles(ctx context.Context, blockNumber uint64) ([]*monitor.Bundle, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT bundleId, blockNumber, attacker0, attacker1, directBribe, gasBurnt, gasOverpay,
		 profitEstimation, bribesRatio, totalCapital, capitalRequirements, saldo, rates, features
		 FROM t_bundles WHERE blockNumber = ? ORDER BY bundleId`, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("get bundles of block %d: %w", blockNumber, err)
	}
	defer rows.Close()

	var bundles []*monitor.Bundle
	for rows.Next() {
		var (
			b                              monitor.Bundle
			attacker0                      sql.NullString
			profit, ratio, total           sql.NullFloat64
			capital, saldo, rates, feature sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.BlockNumber, &attacker0, &b.Attacker1,
			&b.DirectBribe, &b.GasBurnt, &b.GasOverpay,
			&profit, &ratio, &total, &capital, &saldo, &rates, &feature); err != nil {
			return nil, err
		}
		b.Attacker0 = attacker0.String
		b.ProfitEstimation = profit.Float64
		b.TotalCapital = total.Float64
		if ratio.Valid {
			v := ratio.Float64
			b.BribesRatio = &v
		}
		if saldo.Valid {
			if err := json.Unmarshal([]byte(saldo.String), &b.Saldo); err != nil {
				return nil, fmt.Errorf("parse saldo of bundle %d: %w", b.ID, err)
			}
		}
		if capital.Valid {
			if err := json.Unmarshal([]byte(capital.String), &b.CapitalRequirements); err != nil {
				return nil, fmt.Errorf("parse capital of bundle %d: %w", b.ID, err)
			}
		}
		if rates.Valid {
			decoded, err := decodeRates([]byte(rates.String))
			if err != nil {
				return nil, fmt.Errorf("parse rates of bundle %d: %w", b.ID, err)
			}
			b.Rates = decoded
		}
		if feature.Valid {
			if err := applyFeatures(&b, []byte(feature.String)); err != nil {
				return nil, fmt.Errorf("parse features of bundle %d: %w", b.ID, err)
			}
		}
		bundles = append(bundles, &b)
	}
	return bundles, rows.Err()
}

// GetTransactions reads a block's persisted bundle transactions.
func (d *DB) GetTransactions(ctx context.Context, blockNumber uint64) ([]*monitor.BundleTx, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT hash, blockNumber, transactionIndex, bundleId, fromTx, toTx, gasUsed, role
		 FROM t_transactions WHERE blockNumber = ? ORDER BY transactionIndex`, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("get transactions of block %d: %w", blockNumber, err)
	}
	defer rows.Close()

	var txs []*monitor.BundleTx
	for rows.Next() {
		var (
			tx       monitor.BundleTx
			bundleID sql.NullInt64
		)
		if err := rows.Scan(&tx.Hash, &tx.BlockNumber, &tx.Index, &bundleID,
			&tx.From, &tx.To, &tx.GasUsed, &tx.Role); err != nil {
			return nil, err
		}
		tx.BundleID = bundleID.Int64
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

// GetEvents reads a block's persisted events with their ordered topics.
func (d *DB) GetEvents(ctx context.Context, blockNumber uint64) ([]*monitor.Event, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT eventId, blockNumber, transactionHash, address, data FROM t_events WHERE blockNumber = ? ORDER BY eventId",
		blockNumber)
	if err != nil {
		return nil, fmt.Errorf("get events of block %d: %w", blockNumber, err)
	}
	defer rows.Close()

	var events []*monitor.Event
	for rows.Next() {
		var (
			e    monitor.Event
			data string
		)
		if err := rows.Scan(&e.ID, &e.BlockNumber, &e.TxHash, &e.Address, &data); err != nil {
			return nil, err
		}
		if decoded, err := decodeHex(data); err == nil {
			e.Data = decoded
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range events {
		topicRows, err := d.sql.QueryContext(ctx,
			"SELECT topic FROM t_event_topics WHERE eventId = ? ORDER BY topicIndex", e.ID)
		if err != nil {
			return nil, fmt.Errorf("get topics of event %d: %w", e.ID, err)
		}
		for topicRows.Next() {
			var topic string
			if err := topicRows.Scan(&topic); err != nil {
				topicRows.Close()
				return nil, err
			}
			e.Topics = append(e.Topics, topic)
		}
		if err := topicRows.Err(); err != nil {
			topicRows.Close()
			return nil, err
		}
		topicRows.Close()
	}
	return events, nil
}

// MonitorRow is one line of the dashboard summary.
type MonitorRow struct {
	ClassID         int64
	AttackClass     string
	Attacker        string
	CountAttacks    int
	LastBlockNumber uint64
	LastBribesRatio float64
	BribesRatioEMA  float64
}

// GetMonitorOutput joins the EMA table with the class names for the
// dashboard summary.
func (d *DB) GetMonitorOutput(ctx context.Context) ([]*MonitorRow, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT t_attack_EMAs.attackClassId, attackClass, attacker, countAttacks, lastBlockNumber,
		 bribesRatio, bribesRatioEMA
		 FROM t_attack_EMAs INNER JOIN t_attack_classes
		 ON t_attack_EMAs.attackClassId = t_attack_classes.attackClassId`)
	if err != nil {
		return nil, fmt.Errorf("monitor output: %w", err)
	}
	defer rows.Close()

	var out []*MonitorRow
	for rows.Next() {
		var (
			row        MonitorRow
			ratio, ema sql.NullFloat64
		)
		if err := rows.Scan(&row.ClassID, &row.AttackClass, &row.Attacker,
			&row.CountAttacks, &row.LastBlockNumber, &ratio, &ema); err != nil {
			return nil, err
		}
		row.LastBribesRatio = ratio.Float64
		row.BribesRatioEMA = ema.Float64
		out = append(out, &row)
	}
	return out, rows.Err()
}

// HistoryPoint is one bribe-ratio observation of an attack bucket.
type HistoryPoint struct {
	BlockNumber uint64
	BribesRatio float64
}

// GetAttackHistory returns the most recent classifications of one
// (class, bucket), oldest first.
func (d *DB) GetAttackHistory(ctx context.Context, classID int64, attacker string, limit int) ([]HistoryPoint, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.sql.QueryContext(ctx,
		"SELECT blockNumber, bribesRatio FROM t_attacks WHERE attackClassId = ? AND attacker = ? ORDER BY blockNumber DESC LIMIT ?",
		classID, attacker, limit)
	if err != nil {
		return nil, fmt.Errorf("attack history: %w", err)
	}
	defer rows.Close()

	var history []HistoryPoint
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.BlockNumber, &p.BribesRatio); err != nil {
			return nil, err
		}
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// encodeTokenMap renders saldo and capital maps for the JSON columns.
func encodeTokenMap(m map[string]float64) (string, error) {
	if m == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(m)
	return string(encoded), err
}

// encodeRates renders the rate map as [tokenA, tokenB, rate] triples in a
// stable order.
func encodeRates(rates map[monitor.RateKey]float64) (string, error) {
	keys := make([]monitor.RateKey, 0, len(rates))
	for k := range rates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].A != keys[j].A {
			return keys[i].A < keys[j].A
		}
		return keys[i].B < keys[j].B
	})
	triples := make([][]any, 0, len(keys))
	for _, k := range keys {
		triples = append(triples, []any{k.A, k.B, rates[k]})
	}
	encoded, err := json.Marshal(triples)
	return string(encoded), err
}

func decodeRates(data []byte) (map[monitor.RateKey]float64, error) {
	var triples [][]any
	if err := json.Unmarshal(data, &triples); err != nil {
		return nil, err
	}
	rates := make(map[monitor.RateKey]float64, len(triples))
	for _, t := range triples {
		if len(t) != 3 {
			return nil, fmt.Errorf("rate entry must be a [tokenA, tokenB, rate] triple")
		}
		a, okA := t[0].(string)
		b, okB := t[1].(string)
		rate, okR := t[2].(float64)
		if !okA || !okB || !okR {
			return nil, fmt.Errorf("malformed rate entry %v", t)
		}
		rates[monitor.RateKey{A: a, B: b}] = rate
	}
	return rates, nil
}

// encodeFeatures renders the persisted feature counters of a bundle.
func encodeFeatures(b *monitor.Bundle) (string, error) {
	features := make(map[string]any)
	for name, value := range b.Features() {
		if len(name) > 2 && name[:2] == "a_" {
			features[name] = value
		}
	}
	encoded, err := json.Marshal(features)
	return string(encoded), err
}

// applyFeatures restores the feature counters from the JSON column.
func applyFeatures(b *monitor.Bundle, data []byte) error {
	var features map[string]any
	if err := json.Unmarshal(data, &features); err != nil {
		return err
	}
	intOf := func(name string) int {
		if v, ok := features[name].(float64); ok {
			return int(v)
		}
		return 0
	}
	strOf := func(name string) string {
		if v, ok := features[name].(string); ok {
			return v
		}
		return ""
	}
	b.InnerTxCount = intOf("a_innerTxNumber")
	b.UniswapV2 = intOf("a_uniswapV2")
	b.UniswapV3 = intOf("a_uniswapV3")
	b.PancakeV3 = intOf("a_pancakeV3")
	b.MintBurnV3 = intOf("a_mintBurnV3")
	b.MintBurnNFT = intOf("a_mintBurnNFT")
	b.IrreducibleTokens = intOf("a_irreducibleTokens")
	b.Complexity = intOf("a_complexity")
	b.NStartTokens = intOf("a_N_startTokens")
	b.BaseToken = strOf("a_baseToken")
	b.StartToken = strOf("a_startToken")
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	if len(s)%2 != 0 {
		// Persisted data is truncated at the column limit; drop the dangling
		// nibble.
		s = s[:len(s)-1]
	}
	return hex.DecodeString(s)
}
