// Package store persists blocks, bundles, transactions, events, attacks and
// EMAs in the monitor's MySQL schema. Every block is committed atomically.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	_ "github.com/go-sql-driver/mysql"

	"github.com/suslonov/mev-price-monitor/monitor"
)

const (
	dbHost = "127.0.0.1"
	dbUser = "mev_price_monitor"
	dbPass = "mev_price_monitor"
	dbName = "mev_price_monitor"

	// eventDataLimit truncates oversized log payloads to the column width.
	eventDataLimit = 2048
)

// DB is an open database handle.
type DB struct {
	sql *sql.DB
}

// Open connects to the monitor database. A non-zero port targets a tunneled
// endpoint; zero uses the default local MySQL port.
func Open(port int) (*DB, error) {
	if port == 0 {
		port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", dbUser, dbPass, dbHost, port, dbName)
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Begin opens one atomic block commit.
func (d *DB) Begin(ctx context.Context) (monitor.StoreTx, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{ctx: ctx, tx: tx}, nil
}

// GetBlocksGap returns the highest persisted block number below latest.
func (d *DB) GetBlocksGap(ctx context.Context, latest uint64) (uint64, bool, error) {
	var prev sql.NullInt64
	err := d.sql.QueryRowContext(ctx,
		"SELECT MAX(blockNumber) FROM t_blocks WHERE blockNumber < ?", latest).Scan(&prev)
	if err != nil {
		return 0, false, fmt.Errorf("blocks gap: %w", err)
	}
	if !prev.Valid {
		return 0, false, nil
	}
	return uint64(prev.Int64), true, nil
}

// GetAttackers lists the attacker registry.
func (d *DB) GetAttackers(ctx context.Context) ([]*monitor.Attacker, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT attackerId, tx_from, tx_to, status, note, report FROM t_attackers")
	if err != nil {
		return nil, fmt.Errorf("get attackers: %w", err)
	}
	defer rows.Close()

	var attackers []*monitor.Attacker
	for rows.Next() {
		var (
			a    monitor.Attacker
			from sql.NullString
			note sql.NullString
		)
		if err := rows.Scan(&a.ID, &from, &a.To, &a.Status, &note, &a.Report); err != nil {
			return nil, err
		}
		if from.Valid {
			a.From = &from.String
		}
		a.Note = note.String
		attackers = append(attackers, &a)
	}
	return attackers, rows.Err()
}

// AddAttacker registers one attacker rule. A nil from marks a multisender.
func (d *DB) AddAttacker(ctx context.Context, from *string, to string, status, report int, note string) error {
	_, err := d.sql.ExecContext(ctx,
		"INSERT INTO t_attackers(tx_from, tx_to, status, note, report) VALUES(?, ?, ?, ?, ?)",
		from, to, status, note, report)
	if err != nil {
		return fmt.Errorf("add attacker: %w", err)
	}
	return nil
}

// GetAttackClasses lists the rule set.
func (d *DB) GetAttackClasses(ctx context.Context) ([]*monitor.AttackClass, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT attackClassId, attackClass, rules FROM t_attack_classes")
	if err != nil {
		return nil, fmt.Errorf("get attack classes: %w", err)
	}
	defer rows.Close()

	var classes []*monitor.AttackClass
	for rows.Next() {
		var (
			c     monitor.AttackClass
			rules sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &rules); err != nil {
			return nil, err
		}
		c.Rules = make(map[string]monitor.Rule)
		if rules.Valid && rules.String != "" {
			if err := json.Unmarshal([]byte(rules.String), &c.Rules); err != nil {
				return nil, fmt.Errorf("parse rules of class %s: %w", c.Name, err)
			}
		}
		classes = append(classes, &c)
	}
	return classes, rows.Err()
}

// AddAttackClass inserts or replaces a named attack class.
func (d *DB) AddAttackClass(ctx context.Context, name string, rules map[string]monitor.Rule) (int64, error) {
	encoded, err := json.Marshal(rules)
	if err != nil {
		return 0, err
	}
	if _, err := d.sql.ExecContext(ctx,
		"DELETE FROM t_attack_classes WHERE attackClass = ?", name); err != nil {
		return 0, fmt.Errorf("replace attack class: %w", err)
	}
	res, err := d.sql.ExecContext(ctx,
		"INSERT INTO t_attack_classes(attackClass, rules) VALUES(?, ?)", name, string(encoded))
	if err != nil {
		return 0, fmt.Errorf("add attack class: %w", err)
	}
	return res.LastInsertId()
}

// GetAttackEMAs loads all EMA rows.
func (d *DB) GetAttackEMAs(ctx context.Context) ([]*monitor.EMARow, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT attackClassId, attacker, countAttacks, lastBlockNumber, bribesRatio, bribesRatioEMA FROM t_attack_EMAs")
	if err != nil {
		return nil, fmt.Errorf("get attack EMAs: %w", err)
	}
	defer rows.Close()

	var emas []*monitor.EMARow
	for rows.Next() {
		var (
			row        monitor.EMARow
			ratio, ema sql.NullFloat64
		)
		if err := rows.Scan(&row.ClassID, &row.Attacker, &row.CountAttacks, &row.LastBlockNumber, &ratio, &ema); err != nil {
			return nil, err
		}
		row.LastRatio = ratio.Float64
		row.EMA = ema.Float64
		emas = append(emas, &row)
	}
	return emas, rows.Err()
}

// PurgeAttackEMAs empties the EMA table ahead of a full recalculation.
func (d *DB) PurgeAttackEMAs(ctx context.Context) error {
	_, err := d.sql.ExecContext(ctx, "DELETE FROM t_attack_EMAs")
	if err != nil {
		return fmt.Errorf("purge attack EMAs: %w", err)
	}
	return nil
}

// GetBundleBlocks lists the distinct block numbers holding bundles, in order.
func (d *DB) GetBundleBlocks(ctx context.Context) ([]uint64, error) {
	rows, err := d.sql.QueryContext(ctx,
		"SELECT DISTINCT blockNumber FROM t_bundles ORDER BY blockNumber")
	if err != nil {
		return nil, fmt.Errorf("get bundle blocks: %w", err)
	}
	defer rows.Close()

	var blocks []uint64
	for rows.Next() {
		var n uint64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		blocks = append(blocks, n)
	}
	return blocks, rows.Err()
}

// CleanBlock cascades the delete of one block's rows across all tables.
func (d *DB) CleanBlock(ctx context.Context, blockNumber uint64) error {
	statements := []string{
		"DELETE FROM t_blocks WHERE blockNumber = ?",
		"DELETE FROM t_event_topics WHERE eventId IN (SELECT eventId FROM t_events WHERE blockNumber = ?)",
		"DELETE FROM t_events WHERE blockNumber = ?",
		"DELETE FROM t_bundles WHERE blockNumber = ?",
		"DELETE FROM t_attacks WHERE blockNumber = ?",
		"DELETE FROM t_transactions WHERE blockNumber = ?",
	}
	for _, s := range statements {
		if _, err := d.sql.ExecContext(ctx, s, blockNumber); err != nil {
			return fmt.Errorf("clean block %d: %w", blockNumber, err)
		}
	}
	log.Debug("block data removed", "number", blockNumber)
	return nil
}
