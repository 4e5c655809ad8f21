package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/suslonov/mev-price-monitor/monitor"
)

// tableDDL maps each table to its CREATE statement plus index statements.
var tableDDL = map[string][]string{
	"t_blocks": {
		`CREATE TABLE t_blocks (blockNumber INT NOT NULL PRIMARY KEY, baseFeePerGas DECIMAL(60),
		 blockHash VARCHAR(256), miner VARCHAR(256))`,
	},
	"t_transactions": {
		`CREATE TABLE t_transactions (hash VARCHAR(256) NOT NULL PRIMARY KEY, blockNumber INT,
		 transactionIndex INT, bundleId INT, fromTx VARCHAR(256), toTx VARCHAR(256),
		 gasUsed DECIMAL(60), gasPrice DECIMAL(60), maxFeePerGas DECIMAL(60),
		 maxPriorityFeePerGas DECIMAL(60), gasBurnt DECIMAL(60), gasOverpay DECIMAL(60),
		 directBribe DECIMAL(60), value DOUBLE, role INT)`,
		"ALTER TABLE t_transactions ADD INDEX (blockNumber)",
		"ALTER TABLE t_transactions ADD INDEX (bundleId)",
	},
	"t_events": {
		`CREATE TABLE t_events (eventId INT NOT NULL AUTO_INCREMENT PRIMARY KEY, blockNumber INT,
		 transactionHash VARCHAR(256), address VARCHAR(256), data VARCHAR(2048))`,
		"ALTER TABLE t_events ADD INDEX (blockNumber)",
		"ALTER TABLE t_events ADD INDEX (transactionHash)",
	},
	"t_event_topics": {
		`CREATE TABLE t_event_topics (eventId INT NOT NULL, topicIndex INT NOT NULL,
		 topic VARCHAR(256), PRIMARY KEY(eventId, topicIndex))`,
	},
	"t_bundles": {
		`CREATE TABLE t_bundles (bundleId INT NOT NULL AUTO_INCREMENT PRIMARY KEY, blockNumber INT,
		 attacker0 VARCHAR(256), attacker1 VARCHAR(256), directBribe DOUBLE, gasBurnt DOUBLE,
		 gasOverpay DOUBLE, profitEstimation DOUBLE, bribesRatio DOUBLE, totalCapital DOUBLE,
		 capitalRequirements JSON, saldo JSON, rates JSON, features JSON)`,
		"ALTER TABLE t_bundles ADD INDEX (blockNumber)",
	},
	"t_attackers": {
		`CREATE TABLE t_attackers (attackerId INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		 tx_from VARCHAR(256), tx_to VARCHAR(256), status INT, note VARCHAR(1024), report INT)`,
	},
	"t_attack_classes": {
		`CREATE TABLE t_attack_classes (attackClassId INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		 attackClass VARCHAR(1024), rules JSON)`,
	},
	"t_attacks": {
		`CREATE TABLE t_attacks (bundleId INT NOT NULL, attackClassId INT NOT NULL,
		 attacker VARCHAR(256), blockNumber INT NOT NULL, bribesRatio DOUBLE,
		 PRIMARY KEY(bundleId, attackClassId, attacker))`,
	},
	"t_attack_EMAs": {
		`CREATE TABLE t_attack_EMAs (attackClassId INT NOT NULL, attacker VARCHAR(256) NOT NULL,
		 countAttacks INT, lastBlockNumber INT NOT NULL, bribesRatio DOUBLE, bribesRatioEMA DOUBLE,
		 PRIMARY KEY(attackClassId, attacker))`,
	},
}

// AllTables lists the schema in creation order.
var AllTables = []string{
	"t_blocks", "t_transactions", "t_events", "t_event_topics", "t_bundles",
	"t_attackers", "t_attack_classes", "t_attacks", "t_attack_EMAs",
}

// InitSchema drops and recreates the named tables, or the whole schema when
// the list is empty.
func (d *DB) InitSchema(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		tables = AllTables
	}
	for _, table := range tables {
		ddl, ok := tableDDL[table]
		if !ok {
			return fmt.Errorf("unknown table %s", table)
		}
		// The drop fails harmlessly on a fresh database.
		if _, err := d.sql.ExecContext(ctx, "DROP TABLE "+table); err != nil {
			log.Debug("drop table skipped", "table", table, "err", err)
		}
		for _, stmt := range ddl {
			if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
		}
		log.Info("table created", "table", table)
	}
	return nil
}

// SeedAttackClasses installs the default rule set.
func (d *DB) SeedAttackClasses(ctx context.Context) error {
	gt0 := monitor.Rule{Op: monitor.OpGT, Value: float64(0)}
	eq0 := monitor.Rule{Op: monitor.OpEQ, Value: float64(0)}
	classes := []struct {
		name  string
		rules map[string]monitor.Rule
	}{
		{"All", map[string]monitor.Rule{}},
		{"Other_start_token", map[string]monitor.Rule{
			"a_startToken": {Op: monitor.OpNE, Value: monitor.WETH},
		}},
		{"V2_only", map[string]monitor.Rule{
			"a_uniswapV2": gt0,
			"a_uniswapV3": eq0,
		}},
		{"V3_only", map[string]monitor.Rule{
			"a_uniswapV2":   eq0,
			"a_uniswapV3":   gt0,
			"a_mintBurnV3":  eq0,
			"a_mintBurnNFT": eq0,
		}},
		{"mintBurnV3", map[string]monitor.Rule{
			"a_mintBurnV3":  gt0,
			"a_mintBurnNFT": eq0,
		}},
		{"mintBurnNFT", map[string]monitor.Rule{
			"a_mintBurnV3":  eq0,
			"a_mintBurnNFT": gt0,
		}},
		{"mintBurnV3andNFT", map[string]monitor.Rule{
			"a_mintBurnV3":  gt0,
			"a_mintBurnNFT": gt0,
		}},
	}
	for _, c := range classes {
		if _, err := d.AddAttackClass(ctx, c.name, c.rules); err != nil {
			return err
		}
	}
	return nil
}
